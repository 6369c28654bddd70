package apkinfo

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apk-analysis/apk-behavior-go/internal/manifest"
)

// Dump 反汇编导出文件结构
type Dump struct {
	Package    string              `json:"package"`
	Methods    []dumpMethod        `json:"methods"`
	Strings    []string            `json:"strings,omitempty"`
	Activities []manifest.Activity `json:"activities,omitempty"`
}

type dumpMethod struct {
	Method
	AccessFlags  uint32        `json:"access_flags"`
	Registers    int           `json:"registers"`
	Ins          int           `json:"ins"`
	Instructions []Instruction `json:"instructions"`
}

// LoadDump 从文件加载反汇编导出
func LoadDump(path string) (*MemoryPackage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump: %w", err)
	}
	defer file.Close()

	pkg, err := ReadDump(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return pkg, nil
}

// ReadDump 解析反汇编导出
func ReadDump(r io.Reader) (*MemoryPackage, error) {
	var dump Dump
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return nil, fmt.Errorf("failed to decode dump: %w", err)
	}

	pkg := NewMemoryPackage(dump.Package)
	for _, m := range dump.Methods {
		if m.Class == "" || m.Name == "" {
			return nil, fmt.Errorf("method without identity in dump")
		}
		pkg.AddMethod(&MethodBody{
			Method:       m.Method,
			AccessFlags:  m.AccessFlags,
			Registers:    m.Registers,
			Ins:          m.Ins,
			Instructions: m.Instructions,
		})
	}
	if dump.Strings != nil {
		pkg.SetStrings(dump.Strings)
	}
	pkg.SetActivities(dump.Activities)

	return pkg, nil
}

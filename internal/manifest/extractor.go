package manifest

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Extractor 通过 aapt2 提取 Manifest
type Extractor struct {
	logger   *logrus.Logger
	aaptPath string
}

// NewExtractor 创建 Manifest 提取器
func NewExtractor(aaptPath string, logger *logrus.Logger) *Extractor {
	if aaptPath == "" {
		aaptPath = "aapt2" // 默认从 PATH 查找
	}
	return &Extractor{logger: logger, aaptPath: aaptPath}
}

// Extract 执行 aapt2 dump xmltree 并解析
func (e *Extractor) Extract(ctx context.Context, apkPath string) (*Manifest, error) {
	cmd := exec.CommandContext(ctx, e.aaptPath, "dump", "xmltree", apkPath, "--file", "AndroidManifest.xml")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("aapt2 command failed: %w", err)
	}

	m, err := ParseXMLTree(string(output))
	if err != nil {
		return nil, fmt.Errorf("failed to parse xmltree: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"apk_path":   apkPath,
		"package":    m.Package,
		"activities": len(m.Activities),
	}).Debug("Manifest extracted")

	return m, nil
}

// GetActivities 提取 APK 中声明的 Activity
func (e *Extractor) GetActivities(ctx context.Context, apkPath string) ([]Activity, error) {
	m, err := e.Extract(ctx, apkPath)
	if err != nil {
		return nil, err
	}
	return m.Activities, nil
}

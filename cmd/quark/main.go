package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/apk-analysis/apk-behavior-go/internal/analysis"
	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/behavior"
	"github.com/apk-analysis/apk-behavior-go/internal/config"
	"github.com/apk-analysis/apk-behavior-go/internal/dataflow"
	"github.com/apk-analysis/apk-behavior-go/internal/manifest"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Report 命令行输出
type Report struct {
	Package     string              `json:"package"`
	Rules       int                 `json:"rules"`
	Occurrences []behavior.Evidence `json:"occurrences"`
	Activities  []manifest.Activity `json:"activities,omitempty"`
}

// usageError 参数错误，退出码为 2
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行命令行并返回进程退出码
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}

	var ue *usageError
	if errors.As(err, &ue) {
		if cmd == nil {
			cmd = root
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprint(stderr, cmd.UsageString())
		return 2
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// newRootCmd 构建 quark 命令；每次调用返回独立实例
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quark <dump>",
		Short: "Rule-driven behavior detection for disassembled APKs",
		Long: `quark matches crime rules against the call graph of a disassembly dump
and reports each matching caller with the argument values traced at its call sites.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return &usageError{err: err}
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runAnalyze,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.String("rules-dir", "./rules", "rule directory")
	pf.String("log-level", "warn", "log level")

	f := root.Flags()
	f.String("rules", "", "comma separated rule file names or numbers; empty means all")
	f.String("apk", "", "APK for activity extraction via aapt2 (optional)")
	f.String("aapt", "aapt2", "aapt2 binary")
	f.Int("search-depth", behavior.DefaultMaxSearchDepth, "max indirect call depth for rule matching")
	f.Int("trace-depth", dataflow.DefaultMaxDepth, "max cross-method trace depth")
	f.Int("workers", 0, "parallel rule workers, 0 means CPU count")
	f.StringP("format", "f", "text", "output format: text or json")

	root.AddCommand(newRulesCmd())
	return root
}

// newRulesCmd 列出规则目录中的规则
func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the rules in the rule directory",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return &usageError{err: err}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return err
			}
			logger := config.InitLoggerTo(&config.LogConfig{Level: v.GetString("log-level"), Format: "text"}, cmd.ErrOrStderr())

			rs, err := loadRules(v.GetString("rules-dir"), logger)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, r := range rs.Rules() {
				fmt.Fprintf(w, "%s\t%g\t%s\n", r.Filename, r.Score, r.Crime)
			}
			return nil
		},
	}
}

// bindFlags 通过 viper 读取参数，QUARK_ 前缀的环境变量可覆盖默认值
func bindFlags(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("quark")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}

// loadRules 加载规则目录并提示编号冲突
func loadRules(dir string, logger *logrus.Logger) (*rule.DefaultRuleset, error) {
	rs, err := rule.NewDefaultRuleset(dir)
	if err != nil {
		logger.WithError(err).Error("Failed to load rules")
		return nil, err
	}
	if conflicts := rs.Conflicts(); len(conflicts) > 0 {
		logger.WithField("files", conflicts).Warn("Duplicate rule numbers, files only reachable by name")
	}
	return rs, nil
}

// runAnalyze 对单个反汇编导出执行一次分析
func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	v, err := bindFlags(cmd)
	if err != nil {
		return err
	}

	format := v.GetString("format")
	if format != "text" && format != "json" {
		return &usageError{err: fmt.Errorf("unknown format %q", format)}
	}

	// 报告输出到 stdout，日志输出到 stderr
	logger := config.InitLoggerTo(&config.LogConfig{Level: v.GetString("log-level"), Format: "text"}, cmd.ErrOrStderr())

	rs, err := loadRules(v.GetString("rules-dir"), logger)
	if err != nil {
		return err
	}
	rules, err := selectRules(rs, v.GetString("rules"))
	if err != nil {
		logger.WithError(err).Error("Failed to select rules")
		return err
	}

	pkg, err := apkinfo.LoadDump(args[0])
	if err != nil {
		logger.WithError(err).Error("Failed to load dump")
		return err
	}

	opts := analysis.OptionsFromConfig(config.EngineConfig{
		MaxSearchDepth: v.GetInt("search-depth"),
		MaxTraceDepth:  v.GetInt("trace-depth"),
		Workers:        v.GetInt("workers"),
	})
	result := analysis.New(pkg, rules, opts, logger)

	if err := result.ResolveEvidence(ctx); err != nil {
		logger.WithError(err).Error("Analysis failed")
		return err
	}
	occs, err := result.Occurrences(ctx)
	if err != nil {
		logger.WithError(err).Error("Analysis failed")
		return err
	}

	report := Report{
		Package:     pkg.Name,
		Rules:       len(rules),
		Occurrences: make([]behavior.Evidence, 0, len(occs)),
		Activities:  result.GetActivities(),
	}
	for _, occ := range occs {
		report.Occurrences = append(report.Occurrences, occ.Evidence())
	}

	if apkPath := v.GetString("apk"); apkPath != "" {
		activities, err := manifest.NewExtractor(v.GetString("aapt"), logger).GetActivities(ctx, apkPath)
		if err != nil {
			logger.WithError(err).Warn("Failed to extract activities, using dump activities")
		} else {
			report.Activities = activities
		}
	}

	logger.WithFields(logrus.Fields{
		"package":     report.Package,
		"rules":       report.Rules,
		"occurrences": len(report.Occurrences),
	}).Info("Analysis finished")

	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			logger.WithError(err).Error("Failed to write report")
			return err
		}
		return nil
	}
	writeText(cmd.OutOrStdout(), report)
	return nil
}

// selectRules 按文件名或编号选择规则
func selectRules(rs *rule.DefaultRuleset, list string) ([]*rule.Rule, error) {
	if strings.TrimSpace(list) == "" {
		return rs.Rules(), nil
	}

	var rules []*rule.Rule
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		var (
			r   *rule.Rule
			err error
		)
		if n, convErr := strconv.Atoi(item); convErr == nil {
			r, err = rs.GetByNumber(n)
		} else {
			r, err = rs.Get(item)
		}
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// writeText 输出可读的文本报告
func writeText(w io.Writer, report Report) {
	fmt.Fprintf(w, "Package: %s\n", report.Package)
	fmt.Fprintf(w, "Rules:   %d\n", report.Rules)
	fmt.Fprintf(w, "Matches: %d\n", len(report.Occurrences))

	for _, ev := range report.Occurrences {
		fmt.Fprintf(w, "\n[%s] %s (score %g)\n", ev.Rule, ev.Crime, ev.Score)
		fmt.Fprintf(w, "  caller:  %s\n", ev.Caller)

		offsets := make([]string, len(ev.Offsets))
		for i, off := range ev.Offsets {
			offsets[i] = strconv.Itoa(off)
		}
		fmt.Fprintf(w, "  offsets: %s\n", strings.Join(offsets, ", "))

		for i, params := range ev.Params {
			if len(params) == 0 {
				continue
			}
			fmt.Fprintf(w, "  params:  %s -> %s\n", ev.APIs[i], strings.Join(params, ", "))
		}
		if len(ev.URLs) > 0 {
			fmt.Fprintf(w, "  urls:    %s\n", strings.Join(ev.URLs, ", "))
		}
		if ev.Unresolved > 0 {
			fmt.Fprintf(w, "  unresolved values: %d\n", ev.Unresolved)
		}
	}

	if len(report.Activities) > 0 {
		fmt.Fprintf(w, "\nActivities:\n")
		for _, a := range report.Activities {
			fmt.Fprintf(w, "  %s exported=%t intent_filter=%t\n", a.Name, a.IsExported(), a.HasIntentFilter())
		}
	}
}

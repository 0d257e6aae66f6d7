package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	cfgpkg "github.com/SOF3/bthint/internal/config"
	"github.com/SOF3/bthint/internal/detect"
	"github.com/SOF3/bthint/internal/diag"
	"github.com/SOF3/bthint/internal/pipeline"
	"github.com/SOF3/bthint/pkg/contract"
	"github.com/SOF3/bthint/plugins/transport/console"
)

var pipelineRun = pipeline.Run

// 可替换的标准流（测试使用）。
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

// 退出码。
const (
	exitOK       = 0
	exitRuntime  = 1
	exitNotFound = 2
	exitConfig   = 3
)

// 简化的 CLI：默认运行机器人；-check 对文件/STDIN 做一次性检测。
// 全局旗标（最小集）：-config, -transport, -checker, -concurrency, -log-level
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := genCorrID()
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fprintf(os.Stderr, "提示：.env 解析失败（已跳过）：%v\n", err)
	}
	// 先占位（stderr），解析配置后按最终 level/dir 重建
	logger := diag.NewLoggerTo(corrID, "info", nil)

	var (
		flagConfig      string
		flagTransport   string
		flagChecker     string
		flagConcurrency int
		flagLogLevel    string
		flagInitDir     string
		flagStatus      bool
		flagCheck       bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	flag.StringVar(&flagTransport, "transport", "", "传输实现名：discord|console（覆盖配置）")
	flag.StringVar(&flagChecker, "checker", "", "检查器实现名：php|lint|mock|flaky（覆盖配置）")
	flag.IntVar(&flagConcurrency, "concurrency", 0, "同时处理的消息数（覆盖配置）")
	flag.StringVar(&flagLogLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板；config.json 已存在时失败（退出码 3），已存在的 .env 保留不动；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	flag.BoolVar(&flagCheck, "check", false, "对位置参数中的文件（或 STDIN）执行一次检测并输出片段；找到返回 0，未找到返回 2")
	normalizeInitArg()
	flag.Parse()

	// -init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := initConfig(initDir); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "init-config failed", &start)
			return exitConfig
		}
		return exitOK
	}

	// JSON 配置（ENV: BTHINT_CONFIG_JSON 或文件）
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if flagConfig == "" {
		if _, err := os.Stat("config.json"); err == nil {
			flagConfig = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(flagConfig, cfgJSON)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "load failed", &start)
			return exitConfig
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "env overlay failed", &start)
		return exitConfig
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	var overCLI cfgpkg.Config
	overCLI.Transport = flagTransport
	overCLI.Checker = flagChecker
	if flagConcurrency > 0 {
		overCLI.Concurrency = flagConcurrency
	}
	overCLI.Logging.Level = flagLogLevel
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("config", string(diag.Classify(err)), "validate failed", &start)
		return exitConfig
	}

	// 使用最终配置中的日志级别与目录重建 logger
	logger = diag.NewLoggerTo(corrID, cfg.Logging.Level, diag.NewFileSink(diag.SinkOptions{Dir: cfg.Logging.Dir}))
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagCheck {
		return runCheck(ctx, cfg, flag.Args(), logger)
	}

	comp, set, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "assemble failed", &start)
		return exitConfig
	}
	if c, ok := comp.Transport.(io.Closer); ok {
		defer c.Close()
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Concurrency, cfg.Transport, cfg.Checker)

	// debug: 输出运行时配置信息（不含凭据）
	logger.DebugStart("config", "effective", "", "", map[string]string{
		"transport":    cfg.Transport,
		"checker":      cfg.Checker,
		"concurrency":  fmt.Sprintf("%d", cfg.Concurrency),
		"client_id":    cfg.Bot.ClientID,
		"target_guild": cfg.Bot.TargetGuild,
		"on_deadline":  cfg.Detect.OnDeadline,
		"reply_rpm":    fmt.Sprintf("%d", cfg.Bot.Reply.RPM),
	})

	t := logger.Start("pipeline", "run")
	if err := pipelineRun(ctx, comp, set, logger); err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		term.RunFinish(false, time.Since(start))
		return exitRuntime
	}
	t.Finish("run", 0)
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, time.Since(start))
	return exitOK
}

// runCheck: 每个输入文件（或整段 STDIN）视为一条消息，找到片段即以围栏形式输出。
func runCheck(ctx context.Context, cfg cfgpkg.Config, inputs []string, logger *diag.Logger) int {
	det, err := cfgpkg.AssembleDetector(cfg, logger)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		return exitConfig
	}
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}
	src, err := console.NewWithIO(&console.Options{Inputs: inputs}, stdin, io.Discard)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		return exitConfig
	}
	found := false
	err = src.Listen(ctx, func(ctx context.Context, m contract.Message) error {
		d, ok := det.Detect(detect.WithMessageID(ctx, m.ID), m.Content)
		if !ok {
			return nil
		}
		found = true
		_, werr := fmt.Fprintf(stdout, "%s:\n```%s\n%s\n```\n", m.ID, d.Language, d.Fragment)
		return werr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitRuntime
		}
		fprintf(os.Stderr, "检测失败: %v\n", err)
		logger.Error("check", string(diag.Classify(err)), "check failed", nil)
		return exitRuntime
	}
	if !found {
		return exitNotFound
	}
	return exitOK
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func initConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
		return err
	}
	// .env 模板失败不影响 config.json
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(cfgpkg.EnvTemplate)
	return err
}

func genCorrID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// normalizeInitArg: 允许 -init-config 在未提供路径值时采用默认值当前目录 "."。
// 兼容以下形式：
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

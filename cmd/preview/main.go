package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"golang.org/x/term"

	"overlay-player/internal/config"
	"overlay-player/internal/logger"
	"overlay-player/internal/preview"
	"overlay-player/internal/server"
)

func main() {
	cfg := config.Default()

	images := flag.String("images", "", "Base frame container file")
	masks := flag.String("masks", "", "Overlay frame container file (optional)")
	flag.Float64Var(&cfg.Alpha, "alpha", cfg.Alpha, "Initial overlay alpha [0,1]")
	flag.Float64Var(&cfg.FPS, "fps", cfg.FPS, "Playback frame rate")
	flag.BoolVar(&cfg.Loop, "loop", false, "Loop playback")
	flag.BoolVar(&cfg.Autoplay, "autoplay", false, "Start playing after load")
	flag.BoolVar(&cfg.Heatmap, "heatmap", false, "Treat masks as grayscale heatmaps")
	flag.StringVar(&cfg.ToggleLabel, "toggle-label", cfg.ToggleLabel, "Overlay toggle label")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	logPath := flag.String("log", "", "Write logs to this file")
	flag.Parse()

	if *images == "" {
		fmt.Fprintln(os.Stderr, "用法: preview -images frames.ovl [-masks masks.ovl]")
		os.Exit(2)
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "preview 需要在终端中运行")
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(2)
	}

	// 画面占用终端，日志写入文件或丢弃
	var logOut io.Writer = io.Discard
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "无法打开日志文件: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger.SetOutput(logOut)
	logger.SetDebugMode(cfg.Debug)

	player, err := server.NewPlayer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "创建播放器失败: %v\n", err)
		os.Exit(1)
	}
	defer player.Close()

	// 在接管终端之前加载，错误信息直接可见
	if err := player.LoadFiles(*images, *masks); err != nil {
		fmt.Fprintf(os.Stderr, "加载负载失败: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := player.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "启动计时失败: %v\n", err)
		os.Exit(1)
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法创建终端屏幕: %v\n", err)
		os.Exit(1)
	}
	if err := screen.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "无法初始化终端: %v\n", err)
		os.Exit(1)
	}
	screen.EnableMouse()

	err = preview.New(screen, player).Run(ctx)
	screen.Fini()
	if err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "预览错误: %v\n", err)
		os.Exit(1)
	}
}

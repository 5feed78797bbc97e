package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"overlay-player/internal/config"
	"overlay-player/internal/handlers"
	"overlay-player/internal/logger"
	"overlay-player/internal/server"
	"overlay-player/internal/watch"

	"github.com/kataras/iris/v12"
)

//go:embed static/*
var staticFS embed.FS

func main() {
	cfg := config.Default()

	port := flag.Int("port", cfg.Port, "Server port")
	images := flag.String("images", "", "Base frame container file")
	masks := flag.String("masks", "", "Overlay frame container file (optional)")
	alpha := flag.Float64("alpha", cfg.Alpha, "Initial overlay alpha [0,1]")
	fps := flag.Float64("fps", cfg.FPS, "Playback frame rate")
	loop := flag.Bool("loop", false, "Loop playback")
	autoplay := flag.Bool("autoplay", false, "Start playing after load")
	toggleLabel := flag.String("toggle-label", cfg.ToggleLabel, "Overlay toggle label")
	heatmapMode := flag.Bool("heatmap", false, "Treat masks as grayscale heatmaps")
	width := flag.Int("width", 0, "Output width (default: first frame)")
	height := flag.Int("height", 0, "Output height (default: first frame)")
	quality := flag.Int("quality", cfg.JPEGQuality, "JPEG quality for streamed frames")
	workers := flag.Int("workers", cfg.Workers, "Prewarm decode workers")
	smooth := flag.Bool("smooth", false, "Bilinear rescale instead of nearest neighbour")
	configPath := flag.String("config", "", "TOML config file")
	watchFiles := flag.Bool("watch", false, "Reload payload files when they change")
	debug := flag.Bool("debug", false, "Enable debug logging")
	noBrowser := flag.Bool("no-browser", false, "Don't open browser automatically")
	flag.Parse()

	// 配置文件作为底，命令行显式指定的参数覆盖
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath, cfg)
		if err != nil {
			fmt.Printf("警告: %v\n", err)
		} else {
			cfg = loaded
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "images":
			cfg.ImagesPath = *images
		case "masks":
			cfg.MasksPath = *masks
		case "alpha":
			cfg.Alpha = *alpha
		case "fps":
			cfg.FPS = *fps
		case "loop":
			cfg.Loop = *loop
		case "autoplay":
			cfg.Autoplay = *autoplay
		case "toggle-label":
			cfg.ToggleLabel = *toggleLabel
		case "heatmap":
			cfg.Heatmap = *heatmapMode
		case "width":
			cfg.Width = *width
		case "height":
			cfg.Height = *height
		case "quality":
			cfg.JPEGQuality = *quality
		case "workers":
			cfg.Workers = *workers
		case "smooth":
			cfg.SmoothScale = *smooth
		case "watch":
			cfg.Watch = *watchFiles
		case "debug":
			cfg.Debug = *debug
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Printf("配置错误: %v\n", err)
		os.Exit(2)
	}

	// 设置日志级别
	if cfg.Debug {
		logger.SetDebugMode(true)
	}

	// 查找可用端口
	actualPort := findAvailablePort(cfg.Port)

	fmt.Println("============================================================")
	fmt.Println("Overlay Player")
	fmt.Println("============================================================")
	if cfg.ImagesPath != "" {
		fmt.Printf("基础帧: %s\n", cfg.ImagesPath)
	}
	if cfg.MasksPath != "" {
		fmt.Printf("叠加帧: %s\n", cfg.MasksPath)
	}
	fmt.Printf("监听地址: http://localhost:%d\n", actualPort)
	fmt.Println("============================================================")

	player, err := server.NewPlayer(cfg)
	if err != nil {
		fmt.Printf("创建播放器失败: %v\n", err)
		os.Exit(1)
	}
	defer player.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := player.Start(ctx); err != nil {
		fmt.Printf("启动计时失败: %v\n", err)
		os.Exit(1)
	}

	if cfg.ImagesPath != "" {
		if err := player.LoadFiles(cfg.ImagesPath, cfg.MasksPath); err != nil {
			fmt.Printf("加载负载失败: %v\n", err)
		}
	}

	// 热重载
	if cfg.Watch && cfg.ImagesPath != "" {
		reloader, err := watch.New([]string{cfg.ImagesPath, cfg.MasksPath},
			time.Duration(config.ReloadDebounceMs)*time.Millisecond, player.Reload)
		if err != nil {
			fmt.Printf("警告: 无法监视文件: %v\n", err)
		} else {
			defer reloader.Close()
			fmt.Println("文件监视: 已启用")
		}
	}

	// 创建 Iris 应用
	app := iris.New()
	app.Logger().SetLevel("warn")

	// CORS
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type")
		if ctx.Method() == "OPTIONS" {
			ctx.StatusCode(204)
			return
		}
		ctx.Next()
	})

	// 注册 API 路由
	server.RegisterRoutes(app, server.NewHandlers(player))

	// neffos 事件接口
	wsHandler := handlers.NewWebSocketHandler(player)
	wsHandler.Register(app)
	defer wsHandler.Close()

	// 嵌入的静态文件
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		fmt.Printf("警告: 无法加载嵌入的静态文件: %v\n", err)
	} else {
		app.HandleDir("/", http.FS(staticSub), iris.DirOptions{
			IndexName: "index.html",
			SPA:       true,
		})
		fmt.Println("静态文件: 嵌入模式")
	}

	// 优雅关闭
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		fmt.Println("\n正在关闭...")
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(shutdownCtx)
	}()

	// 自动打开浏览器
	if !*noBrowser {
		go func() {
			time.Sleep(500 * time.Millisecond)
			openBrowser(fmt.Sprintf("http://localhost:%d", actualPort))
		}()
	}

	// 启动服务器
	fmt.Printf("\n服务器已启动: http://localhost:%d\n", actualPort)
	if err := app.Listen(fmt.Sprintf("%s:%d", config.Host, actualPort)); err != nil && err != http.ErrServerClosed {
		fmt.Printf("服务器错误: %v\n", err)
	}
}

// findAvailablePort 查找可用端口，如果指定端口被占用则递增
func findAvailablePort(startPort int) int {
	for port := startPort; port < startPort+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			ln.Close()
			return port
		}
	}
	return startPort
}

// openBrowser 打开默认浏览器
func openBrowser(url string) {
	var err error
	switch runtime.GOOS {
	case "darwin":
		err = exec.Command("open", url).Start()
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	}
	if err != nil {
		fmt.Printf("无法自动打开浏览器，请手动访问: %s\n", url)
	}
}

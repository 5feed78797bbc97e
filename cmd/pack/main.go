package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"overlay-player/internal/config"
	"overlay-player/internal/logger"
	"overlay-player/internal/pack"
)

func main() {
	out := flag.String("o", "", "Output container file")
	compress := flag.Bool("zstd", false, "Compress the container with zstd (adds .zst)")
	heatmapMode := flag.Bool("heatmap", false, "Colourise grayscale masks with the JET colormap")
	quality := flag.Int("quality", config.DefaultJPEGQuality, "JPEG quality for re-encoded frames")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "用法: pack -o out.bin [-zstd] [-heatmap] [-quality 90] file|dir...")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *out == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	logger.SetDebugMode(*debug)

	path := *out
	if *compress && !strings.HasSuffix(path, ".zst") {
		path += ".zst"
	}

	n, err := pack.WriteFile(path, flag.Args(), pack.Options{
		Quality: *quality,
		Heatmap: *heatmapMode,
		Zstd:    *compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[Pack] 失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[Pack] ✓ %s: %d 帧\n", path, n)
}

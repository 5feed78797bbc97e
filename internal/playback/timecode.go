package playback

import (
	"fmt"
	"math"
)

// FormatTime 帧号转 "MM:SS:FF"，FF 为秒内帧号
func FormatTime(frameIdx int, fps float64) string {
	if frameIdx < 0 {
		frameIdx = 0
	}
	rate := 1
	if validFPS(fps) {
		rate = max(int(math.Round(fps)), 1)
	}
	totalSeconds := frameIdx / rate
	return fmt.Sprintf("%02d:%02d:%02d", totalSeconds/60, totalSeconds%60, frameIdx%rate)
}

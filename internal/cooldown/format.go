package cooldown

import (
	"strconv"
	"strings"
	"time"
)

// Format renders d as the game writes it ("12小时30分钟", "45秒"), omitting zero
// parts. Sub-second precision is dropped and negative values render as "0秒".
// Resolve(Format(d)) == d for whole-second d.
func Format(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 60 {
		if secs < 0 {
			secs = 0
		}
		return strconv.FormatInt(secs, 10) + "秒"
	}
	h, m, s := secs/3600, secs%3600/60, secs%60

	var b strings.Builder
	if h > 0 {
		b.WriteString(strconv.FormatInt(h, 10) + "小时")
	}
	if m > 0 {
		b.WriteString(strconv.FormatInt(m, 10) + "分钟")
	}
	if s > 0 {
		b.WriteString(strconv.FormatInt(s, 10) + "秒")
	}
	return b.String()
}

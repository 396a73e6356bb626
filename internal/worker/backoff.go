package worker

import (
	"math/rand/v2"
	"time"
)

// backoff 第 attempt 次失败后的等待时间：base*2^(attempt-1)，上限 max，并在 [d/2, d] 内随机抖动。
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

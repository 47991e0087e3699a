package utils

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestProgress(t *testing.T) {
	t.Run("并发前进", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProgress(&buf, 10, "抓取中")

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Done()
			}()
		}
		wg.Wait()

		if !strings.Contains(buf.String(), "抓取中") {
			t.Errorf("进度输出缺少描述: %q", buf.String())
		}
		p.Finish()
	})

	t.Run("nil输出", func(t *testing.T) {
		p := NewProgress(nil, 1, "静默")
		p.Done()
		p.Finish()
	})
}

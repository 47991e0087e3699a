package utils

import (
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Progress 抓取进度条,每个目标终结时前进一格,重试不计入
type Progress struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewProgress 创建进度条,w为nil时不输出
func NewProgress(w io.Writer, max int, description string) *Progress {
	if w == nil {
		w = io.Discard
	}
	bar := progressbar.NewOptions(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
	return &Progress{bar: bar}
}

// Done 完成一个目标
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Add(1)
}

// Finish 结束进度条
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Finish()
}

package crawlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/metrics"
	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionState 会话状态
type SessionState string

const (
	SessionFresh     SessionState = "fresh"     // 尚未在页面上验证
	SessionValidated SessionState = "validated" // 至少成功使用过一次
	SessionRetired   SessionState = "retired"   // 永久停用
)

// Outcome 一次使用的结果
type Outcome int

const (
	OutcomeGood Outcome = iota
	OutcomeBad
	OutcomeRetire
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBad:
		return "bad"
	case OutcomeRetire:
		return "retire"
	default:
		return "good"
	}
}

// Session 一个浏览身份
// 字段只在持有池锁时修改,WorkItem只在一次导航期间持有引用
type Session struct {
	ID           string
	Cookies      []models.Cookie
	Credentialed bool
	Proxy        string
	CreatedAt    time.Time

	state      SessionState
	usage      int
	errorScore float64
	inUse      bool
}

// SessionPoolConfig 会话池配置
type SessionPoolConfig struct {
	CookieSets    [][]models.Cookie // 登录Cookie,每组对应一个会话
	MaxPoolSize   int               // 匿名模式的会话上限
	MaxErrorScore float64           // 错误分达到该值即退役
	MaxUsageCount int               // 使用次数上限
}

// DefaultSessionPoolConfig 默认配置
func DefaultSessionPoolConfig() SessionPoolConfig {
	return SessionPoolConfig{
		MaxPoolSize:   1000,
		MaxErrorScore: 3,
		MaxUsageCount: 50000,
	}
}

// SessionStats 会话池快照
type SessionStats struct {
	Total   int
	InUse   int
	Usable  int
	Retired int
}

// SessionPool 会话生命周期管理器
// 登录模式下会话数固定为Cookie组数,每个会话同一时刻只分配给一个导航
type SessionPool struct {
	cfg          SessionPoolConfig
	credentialed bool
	proxies      *ProxyRotator
	metrics      *metrics.Metrics

	mu       sync.Mutex
	sessions []*Session
	retired  int
	changed  chan struct{} // 状态变化时关闭并替换,用于唤醒等待者
	closed   bool
}

// NewSessionPool 创建会话池
func NewSessionPool(cfg SessionPoolConfig, proxies *ProxyRotator, m *metrics.Metrics) *SessionPool {
	def := DefaultSessionPoolConfig()
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = def.MaxPoolSize
	}
	if cfg.MaxErrorScore <= 0 {
		cfg.MaxErrorScore = def.MaxErrorScore
	}
	if cfg.MaxUsageCount <= 0 {
		cfg.MaxUsageCount = def.MaxUsageCount
	}

	p := &SessionPool{
		cfg:          cfg,
		credentialed: len(cfg.CookieSets) > 0,
		proxies:      proxies,
		metrics:      m,
		changed:      make(chan struct{}),
	}
	for _, set := range cfg.CookieSets {
		cookies := make([]models.Cookie, 0, len(set))
		for _, c := range set {
			cookies = append(cookies, c.Normalized())
		}
		p.sessions = append(p.sessions, p.newSession(cookies))
	}
	if p.credentialed {
		p.cfg.MaxPoolSize = len(p.sessions)
	}
	return p
}

func (p *SessionPool) newSession(cookies []models.Cookie) *Session {
	id := uuid.New().String()
	return &Session{
		ID:           id,
		Cookies:      cookies,
		Credentialed: len(cookies) > 0,
		Proxy:        p.proxies.ForSession(id),
		CreatedAt:    time.Now(),
		state:        SessionFresh,
	}
}

// Credentialed 是否为登录模式
func (p *SessionPool) Credentialed() bool {
	return p.credentialed
}

// Capacity 同时可用的会话上限
func (p *SessionPool) Capacity() int {
	return p.cfg.MaxPoolSize
}

// Acquire 获取一个空闲的可用会话,池满时阻塞等待
// 登录模式下所有会话都已退役时返回ErrCredentialsExhausted
func (p *SessionPool) Acquire(ctx context.Context) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if s := p.pickIdleLocked(); s != nil {
			s.inUse = true
			s.usage++
			p.mu.Unlock()
			return s, nil
		}

		if p.credentialed {
			if !p.anyUsableLocked(nil) {
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %d个登录会话均已失效", ErrCredentialsExhausted, len(p.sessions))
			}
		} else if len(p.sessions) < p.cfg.MaxPoolSize {
			s := p.newSession(nil)
			s.inUse = true
			s.usage++
			p.sessions = append(p.sessions, s)
			p.mu.Unlock()
			log.Debug().Str("session", s.ID).Int("pool", len(p.sessions)).Msg("创建匿名会话")
			return s, nil
		}

		wait := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Release 归还会话并记录本次使用结果
func (p *SessionPool) Release(s *Session, outcome Outcome) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s.inUse = false
	if s.state == SessionRetired {
		p.notifyLocked()
		return
	}

	switch outcome {
	case OutcomeGood:
		s.errorScore -= 0.5
		if s.errorScore < 0 {
			s.errorScore = 0
		}
		s.state = SessionValidated
	case OutcomeBad:
		s.errorScore++
		log.Debug().Str("session", s.ID).Float64("error_score", s.errorScore).Msg("会话标记为异常")
	case OutcomeRetire:
		p.retireLocked(s, "主动退役")
	}

	if s.state != SessionRetired {
		if s.errorScore >= p.cfg.MaxErrorScore {
			p.retireLocked(s, "错误分达到上限")
		} else if s.usage >= p.cfg.MaxUsageCount {
			p.retireLocked(s, "使用次数达到上限")
		}
	}

	p.notifyLocked()
}

// HasOtherUsable 除s之外是否还有可用的登录会话
func (p *SessionPool) HasOtherUsable(s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.anyUsableLocked(s)
}

// InvalidCount 已失效的登录会话数
func (p *SessionPool) InvalidCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, s := range p.sessions {
		if s.Credentialed && s.state == SessionRetired {
			n++
		}
	}
	return n
}

// Stats 会话池快照
func (p *SessionPool) Stats() SessionStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := SessionStats{Total: len(p.sessions), Retired: p.retired}
	for _, s := range p.sessions {
		if s.inUse {
			st.InUse++
		}
		if p.usableLocked(s) {
			st.Usable++
		}
	}
	return st
}

// State 会话当前状态
func (p *SessionPool) State(s *Session) SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.state
}

// Close 关闭会话池,唤醒所有等待者
func (p *SessionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.notifyLocked()
}

func (p *SessionPool) usableLocked(s *Session) bool {
	return s.state != SessionRetired &&
		s.errorScore < p.cfg.MaxErrorScore &&
		s.usage < p.cfg.MaxUsageCount
}

func (p *SessionPool) anyUsableLocked(except *Session) bool {
	for _, s := range p.sessions {
		if s != except && s.Credentialed && p.usableLocked(s) {
			return true
		}
	}
	return false
}

// pickIdleLocked 选择使用次数最少的空闲可用会话
func (p *SessionPool) pickIdleLocked() *Session {
	var best *Session
	for _, s := range p.sessions {
		if s.inUse || !p.usableLocked(s) {
			continue
		}
		if best == nil || s.usage < best.usage {
			best = s
		}
	}
	return best
}

func (p *SessionPool) retireLocked(s *Session, reason string) {
	if s.state == SessionRetired {
		return
	}
	s.state = SessionRetired
	p.retired++
	p.metrics.SessionRetired()

	log.Info().
		Str("session", s.ID).
		Bool("credentialed", s.Credentialed).
		Float64("error_score", s.errorScore).
		Int("usage", s.usage).
		Msgf("会话已退役: %s", reason)

	// 匿名会话退役后移出池,为新会话腾出位置
	if !s.Credentialed {
		for i, other := range p.sessions {
			if other == s {
				p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
				break
			}
		}
	}
}

func (p *SessionPool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

package service

import (
	"context"
	"sync"
	"time"

	"bmw-assistant-go/pkg/log"
)

// PanelFactory 为指定面板构造一个未初始化的 SessionManager。
type PanelFactory func(clientID string) *SessionManager

// PanelService 按面板 ID 管理 SessionManager，每个浏览器客户端对应一个面板。
type PanelService interface {
	Get(ctx context.Context, clientID string) *SessionManager
	// Acquire 与 Get 相同，但在 release 调用之前面板不会被回收，用于长连接。
	Acquire(ctx context.Context, clientID string) (sm *SessionManager, release func())
	// EvictIdle 销毁无连接、无进行中请求且空闲超过 idle 的面板，返回销毁的数量。
	EvictIdle(idle time.Duration) int
	Dispose(clientID string)
	DisposeAll()
	Len() int
}

type panelEntry struct {
	sm       *SessionManager
	initOnce sync.Once
	refs     int
	lastSeen time.Time
}

type panelService struct {
	factory PanelFactory
	now     func() time.Time

	mu     sync.Mutex
	panels map[string]*panelEntry
}

// NewPanelService 创建一个新的 PanelService 实例。
func NewPanelService(factory PanelFactory) PanelService {
	return &panelService{factory: factory, now: time.Now, panels: make(map[string]*panelEntry)}
}

// Get 返回面板的 SessionManager，首次访问时创建并从持久化存储恢复。
// 恢复在注册表锁之外进行，同一面板的并发访问等待同一次恢复。
func (s *panelService) Get(ctx context.Context, clientID string) *SessionManager {
	e := s.entry(clientID, 0)
	e.initOnce.Do(func() { e.sm.Init(context.WithoutCancel(ctx)) })
	return e.sm
}

func (s *panelService) Acquire(ctx context.Context, clientID string) (*SessionManager, func()) {
	e := s.entry(clientID, 1)
	e.initOnce.Do(func() { e.sm.Init(context.WithoutCancel(ctx)) })

	var once sync.Once
	return e.sm, func() {
		once.Do(func() {
			s.mu.Lock()
			e.refs--
			e.lastSeen = s.now()
			s.mu.Unlock()
		})
	}
}

func (s *panelService) entry(clientID string, refs int) *panelEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.panels[clientID]
	if !ok {
		e = &panelEntry{sm: s.factory(clientID)}
		s.panels[clientID] = e
		log.Infof("[PanelService] 面板 %s 已创建", clientID)
	}
	e.refs += refs
	e.lastSeen = s.now()
	return e
}

func (s *panelService) EvictIdle(idle time.Duration) int {
	now := s.now()
	s.mu.Lock()
	var evicted []*SessionManager
	for id, e := range s.panels {
		if e.refs > 0 || now.Sub(e.lastSeen) < idle || e.sm.Busy() {
			continue
		}
		delete(s.panels, id)
		evicted = append(evicted, e.sm)
	}
	s.mu.Unlock()

	for _, sm := range evicted {
		sm.Dispose()
	}
	if len(evicted) > 0 {
		log.Infof("[PanelService] 回收空闲面板 %d 个", len(evicted))
	}
	return len(evicted)
}

// Dispose 销毁一个面板，持久化数据保留，下次访问时重新恢复。
func (s *panelService) Dispose(clientID string) {
	s.mu.Lock()
	e, ok := s.panels[clientID]
	delete(s.panels, clientID)
	s.mu.Unlock()
	if ok {
		e.sm.Dispose()
	}
}

// DisposeAll 销毁全部面板，用于服务关闭。
func (s *panelService) DisposeAll() {
	s.mu.Lock()
	panels := s.panels
	s.panels = make(map[string]*panelEntry)
	s.mu.Unlock()
	for _, e := range panels {
		e.sm.Dispose()
	}
}

// Len 返回当前活跃的面板数量。
func (s *panelService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.panels)
}

// RunEvictor 每隔 interval 回收一次空闲面板，直到 ctx 结束。interval <= 0 时不回收。
func RunEvictor(ctx context.Context, panels PanelService, interval, idle time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			panels.EvictIdle(idle)
		}
	}
}

package breaker

import (
	"sync"
	"time"
)

// State はブレーカーの状態。
type State int

const (
	// Closed は通常状態。すべての呼び出しを許可する。
	Closed State = iota
	// Open は遮断状態。クールダウン中の呼び出しを拒否する。
	Open
	// HalfOpen は試行状態。プローブ1件の結果を待っている。
	HalfOpen
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultFailureThreshold はOPENに遷移する連続失敗回数の既定値。
	DefaultFailureThreshold = 3
	// DefaultCoolDown はOPEN状態を維持する期間の既定値。
	DefaultCoolDown = 10 * time.Second
)

// Config はブレーカーの設定。
type Config struct {
	// FailureThreshold はOPENに遷移する連続失敗回数。0以下なら既定値を使う。
	FailureThreshold int
	// CoolDown はOPEN状態を維持する期間。0以下なら既定値を使う。
	CoolDown time.Duration
	// Now は現在時刻の取得関数。nilならtime.Nowを使う。
	Now func() time.Time
	// OnStateChange は状態が変化したときに呼ばれる。ロック外で呼ばれる。
	OnStateChange func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = DefaultCoolDown
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker は1つの接続先に対するサーキットブレーカー。
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	// generation は状態が遷移するたびに増える。Permitの結果が現在の状態に属するかの判定に使う。
	generation uint64
}

// New は新しいブレーカーをCLOSED状態で生成する。
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

// Name は接続先名を返す。
func (b *Breaker) Name() string {
	return b.name
}

// Snapshot はブレーカーの状態の読み取り専用コピー。
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// Snapshot は現在の状態を返す。
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}

// State は現在の状態を返す。
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Allow は呼び出しを行ってよいかを判定する。詳細はAcquireを参照。
func (b *Breaker) Allow() bool {
	_, allowed := b.Acquire()
	return allowed
}

// Permit はAcquireで許可された1回の呼び出し。結果はPermitを通じて記録する。
// 許可された後にブレーカーの状態が遷移していた場合、その結果は古いものとして無視される。
type Permit struct {
	b          *Breaker
	generation uint64
	probe      bool
}

// Probe はこの呼び出しがHALF_OPENのプローブかどうかを返す。
func (p Permit) Probe() bool {
	return p.probe
}

// Success は呼び出しの成功を記録する。
func (p Permit) Success() {
	p.b.success(p.generation, true)
}

// Failure は呼び出しの失敗を記録する。
func (p Permit) Failure() {
	p.b.failure(p.generation, true)
}

// Release は結果を記録せずにプローブ枠を返却する。プローブ以外では何もしない。
func (p Permit) Release() {
	if p.probe {
		p.b.release(p.generation, true)
	}
}

// Acquire は呼び出しを行ってよいかを判定し、許可した場合はPermitを返す。
// OPENでクールダウンを過ぎていれば、最初の呼び出し元だけがHALF_OPENへ遷移させて
// プローブとなる。HALF_OPEN中の他の呼び出し元は拒否される。
// 許可された呼び出し元は結果に応じてPermitのSuccessかFailureを呼ぶ。
// プローブが結果を得ずに中断した場合はReleaseを呼ぶ。
func (b *Breaker) Acquire() (Permit, bool) {
	b.mu.Lock()
	from := b.state
	var allowed, probe bool
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if !b.cfg.Now().Before(b.openedAt.Add(b.cfg.CoolDown)) {
			b.transition(HalfOpen)
			allowed = true
			probe = true
		}
	case HalfOpen:
	}
	permit := Permit{b: b, generation: b.generation, probe: probe}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	if !allowed {
		return Permit{}, false
	}
	return permit, true
}

// Success は現在の状態に対して成功を記録する。失敗回数をリセットし、HALF_OPENならCLOSEDに戻す。
func (b *Breaker) Success() {
	b.success(0, false)
}

// Failure は現在の状態に対して失敗を記録する。
// 連続失敗が閾値に達するか、プローブが失敗した場合はOPENに遷移する。
func (b *Breaker) Failure() {
	b.failure(0, false)
}

// Release はHALF_OPENのプローブ枠を返却する。
// openedAtは維持したままOPENに戻すため、次の呼び出し元がすぐにプローブになれる。
func (b *Breaker) Release() {
	b.release(0, false)
}

func (b *Breaker) success(generation uint64, gated bool) {
	b.mu.Lock()
	from := b.state
	if !gated || generation == b.generation {
		b.consecutiveFailures = 0
		if b.state == HalfOpen {
			b.transition(Closed)
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) failure(generation uint64, gated bool) {
	b.mu.Lock()
	from := b.state
	if !gated || generation == b.generation {
		b.consecutiveFailures++
		switch b.state {
		case HalfOpen:
			b.trip()
		case Closed:
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.trip()
			}
		case Open:
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) release(generation uint64, gated bool) {
	b.mu.Lock()
	from := b.state
	if (!gated || generation == b.generation) && b.state == HalfOpen {
		b.transition(Open)
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// transition は状態を変更して世代を進める。ロックを保持した状態で呼ぶこと。
func (b *Breaker) transition(to State) {
	b.state = to
	b.generation++
}

// trip はOPENに遷移する。ロックを保持した状態で呼ぶこと。
func (b *Breaker) trip() {
	b.transition(Open)
	b.openedAt = b.cfg.Now()
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Registry は接続先名をキーにブレーカーを保持する。
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry は共通設定を持つレジストリを生成する。
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get は接続先のブレーカーを返す。存在しなければ生成する。
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// States は全接続先の現在の状態を返す。
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	states := make(map[string]State, len(list))
	for _, b := range list {
		states[b.Name()] = b.State()
	}
	return states
}

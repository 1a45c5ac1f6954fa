package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
)

// AccountPool 上游账号池：轮询选取、冷却、失效标记、容量上限。
// 所有状态变更持锁进行并异步落盘。
type AccountPool struct {
	mu       sync.Mutex
	accounts []*Account
	cursor   int
	store    *AccountStore
}

// NewAccountPool 创建池并从磁盘加载账号
func NewAccountPool(store *AccountStore) (*AccountPool, error) {
	pool := &AccountPool{store: store}
	accounts, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		if len(pool.accounts) >= MaxPoolSize {
			logger.L().Warn("account_pool_truncated", zap.String("email", acc.Email))
			break
		}
		pool.accounts = append(pool.accounts, acc)
	}
	return pool, nil
}

// saveLocked 调用方持锁；快照后异步落盘
func (p *AccountPool) saveLocked() {
	snapshot := make([]*Account, len(p.accounts))
	for i, acc := range p.accounts {
		snapshot[i] = acc.Clone()
	}
	p.store.Save(snapshot)
}

func (p *AccountPool) findLocked(email string) (int, *Account) {
	for i, acc := range p.accounts {
		if acc.Email == email {
			return i, acc
		}
	}
	return -1, nil
}

// SelectNext 轮询选取一个可用账号：从指针的下一位开始扫描，
// 取第一个可用账号；整圈扫到的起始并列按 last_used_at 最旧优先。
// 过期冷却在读取时自动恢复；命中后更新 last_used_at 并落盘。
func (p *AccountPool) SelectNext() (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return nil, ErrNoAccountsAvailable
	}

	now := time.Now()
	for _, acc := range p.accounts {
		// 冷却到期自动恢复
		if acc.IsRateLimited && acc.RateLimitResetAt != nil && now.UnixMilli() > *acc.RateLimitResetAt {
			acc.IsRateLimited = false
			acc.RateLimitResetAt = nil
		}
	}

	if p.cursor >= len(p.accounts) {
		p.cursor = 0
	}
	start := (p.cursor + 1) % len(p.accounts)

	var chosen *Account
	for i := 0; i < len(p.accounts); i++ {
		idx := (start + i) % len(p.accounts)
		acc := p.accounts[idx]
		if !acc.Eligible(now) {
			continue
		}
		// 起始位置可用时直接用；否则在后续可用账号里取 last_used_at 最旧
		if i == 0 {
			chosen = acc
			p.cursor = idx
			break
		}
		if chosen == nil || acc.LastUsedAt < chosen.LastUsedAt {
			chosen = acc
			p.cursor = idx
		}
	}
	if chosen == nil {
		return nil, ErrNoAccountsAvailable
	}

	chosen.LastUsedAt = now.UnixMilli()
	p.saveLocked()
	return chosen.Clone(), nil
}

// MarkRateLimited 设置冷却；resetAt 为 nil 表示无限期。
// 幂等，且从不把已有的更晚 reset 提前。
func (p *AccountPool) MarkRateLimited(email string, resetAt *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, acc := p.findLocked(email)
	if acc == nil {
		return
	}
	// 已处于无限期冷却时视为晚于任何有限时间，不被有限 reset 降级
	wasIndefinite := acc.IsRateLimited && acc.RateLimitResetAt == nil
	acc.IsRateLimited = true
	switch {
	case resetAt == nil:
		acc.RateLimitResetAt = nil
	case wasIndefinite:
	default:
		ms := resetAt.UnixMilli()
		if acc.RateLimitResetAt == nil || ms > *acc.RateLimitResetAt {
			acc.RateLimitResetAt = &ms
		}
	}
	logger.L().Warn("account_rate_limited",
		zap.String("email", email),
		zap.Any("reset_at", acc.RateLimitResetAt))
	p.saveLocked()
}

// MarkInvalid 标记失效，select_next 跳过该账号直到 Revalidate
func (p *AccountPool) MarkInvalid(email, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, acc := p.findLocked(email)
	if acc == nil {
		return
	}
	acc.IsInvalid = true
	acc.InvalidReason = reason
	logger.L().Warn("account_invalid", zap.String("email", email), zap.String("reason", reason))
	p.saveLocked()
}

// ClearInvalid 清除失效标记（Revalidate 的池内部分）
func (p *AccountPool) ClearInvalid(email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, acc := p.findLocked(email)
	if acc == nil {
		return ErrAccountNotFound
	}
	acc.IsInvalid = false
	acc.InvalidReason = ""
	p.saveLocked()
	return nil
}

// ResetAllRateLimits 清除所有账号的限流冷却
func (p *AccountPool) ResetAllRateLimits() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cleared := 0
	for _, acc := range p.accounts {
		if acc.IsRateLimited {
			acc.IsRateLimited = false
			acc.RateLimitResetAt = nil
			cleared++
		}
	}
	if cleared > 0 {
		p.saveLocked()
	}
	return cleared
}

// Delete 按 email 删除账号
func (p *AccountPool) Delete(email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, acc := p.findLocked(email)
	if acc == nil {
		return ErrAccountNotFound
	}
	p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
	p.saveLocked()
	return nil
}

// AddOrReplace 新增或按 email 替换账号。
// 替换不受容量限制；新增超过上限返回 ErrCapacityExceeded。
func (p *AccountPool) AddOrReplace(account *Account) error {
	account.Normalize()

	p.mu.Lock()
	defer p.mu.Unlock()

	if i, existing := p.findLocked(account.Email); existing != nil {
		if account.AddedAt == 0 || account.AddedAt > existing.AddedAt {
			account.AddedAt = existing.AddedAt
		}
		p.accounts[i] = account
		p.saveLocked()
		return nil
	}
	if len(p.accounts) >= MaxPoolSize {
		return ErrCapacityExceeded
	}
	p.accounts = append(p.accounts, account)
	p.saveLocked()
	return nil
}

// UpdateTokens 刷新成功后回写令牌
func (p *AccountPool) UpdateTokens(email, accessToken, refreshToken string, expiresAt int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, acc := p.findLocked(email)
	if acc == nil {
		return
	}
	acc.AccessToken = accessToken
	if refreshToken != "" {
		acc.RefreshToken = refreshToken
	}
	acc.AccessTokenExpiresAt = expiresAt
	p.saveLocked()
}

// UpdateProjectID 项目发现成功后回写
func (p *AccountPool) UpdateProjectID(email, projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, acc := p.findLocked(email)
	if acc == nil || projectID == "" {
		return
	}
	acc.ProjectID = projectID
	p.saveLocked()
}

// ClearAllTokenCaches 清空缓存的 access_token，下次使用强制刷新
func (p *AccountPool) ClearAllTokenCaches() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cleared := 0
	for _, acc := range p.accounts {
		if acc.AccessToken != "" {
			acc.AccessToken = ""
			acc.AccessTokenExpiresAt = 0
			cleared++
		}
	}
	if cleared > 0 {
		p.saveLocked()
	}
	return cleared
}

// Get 按 email 取账号快照
func (p *AccountPool) Get(email string) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, acc := p.findLocked(email)
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// List 所有账号快照
func (p *AccountPool) List() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Account, len(p.accounts))
	for i, acc := range p.accounts {
		out[i] = acc.Clone()
	}
	return out
}

// Status 池状态快照
func (p *AccountPool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	st := PoolStatus{Total: len(p.accounts)}
	for _, acc := range p.accounts {
		as := acc.status(now)
		st.Accounts = append(st.Accounts, as)
		switch {
		case as.IsInvalid:
			st.Invalid++
		case as.IsRateLimited:
			st.RateLimited++
		default:
			st.Available++
		}
	}
	st.Summary = poolSummary(st)
	return st
}

func poolSummary(st PoolStatus) string {
	switch {
	case st.Total == 0:
		return "no accounts configured"
	case st.Available == 0 && st.Invalid == st.Total:
		return "all accounts invalid"
	case st.Available == 0:
		return "all accounts rate limited or invalid"
	default:
		return "ok"
	}
}

// Flush 等待落盘完成
func (p *AccountPool) Flush(timeout time.Duration) {
	p.store.Flush(timeout)
}

// Package service implements the account pool, token lifecycle, and the
// request dispatcher that couples the pool to the protocol translators.
package service

import (
	"errors"
	"strings"
	"time"
)

// 账号来源
const (
	AccountSourceOAuth  = "oauth"
	AccountSourceManual = "manual"
	AccountSourceImport = "import"
	AccountSourceLegacy = "legacy"
)

// MaxPoolSize 账号池容量硬上限
const MaxPoolSize = 10

var (
	// ErrNoAccountsAvailable 池为空或全部不可用
	ErrNoAccountsAvailable = errors.New("no accounts available")
	// ErrCapacityExceeded 超出账号池容量
	ErrCapacityExceeded = errors.New("account pool capacity exceeded")
	// ErrAccountNotFound 按 email 查找失败
	ErrAccountNotFound = errors.New("account not found")
)

// Account 一条上游凭据及其健康状态
type Account struct {
	Email                string `json:"email"`
	AccessToken          string `json:"access_token"`
	RefreshToken         string `json:"refresh_token,omitempty"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at"` // epoch ms
	ProjectID            string `json:"project_id,omitempty"`
	Source               string `json:"source"`

	IsRateLimited    bool   `json:"is_rate_limited"`
	RateLimitResetAt *int64 `json:"rate_limit_reset_at"` // epoch ms；nil 表示无限期
	IsInvalid        bool   `json:"is_invalid"`
	InvalidReason    string `json:"invalid_reason,omitempty"`

	AddedAt    int64 `json:"added_at"`     // epoch ms
	LastUsedAt int64 `json:"last_used_at"` // epoch ms
}

// Clone 深拷贝，读取方拿不到池内部指针
func (a *Account) Clone() *Account {
	out := *a
	if a.RateLimitResetAt != nil {
		v := *a.RateLimitResetAt
		out.RateLimitResetAt = &v
	}
	return &out
}

// Normalize 清理导入数据：email 小写、来源兜底
func (a *Account) Normalize() {
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	switch a.Source {
	case AccountSourceOAuth, AccountSourceManual, AccountSourceImport, AccountSourceLegacy:
	default:
		a.Source = AccountSourceImport
	}
	if a.AddedAt == 0 {
		a.AddedAt = time.Now().UnixMilli()
	}
}

// TokenExpired access_token 是否在安全窗口内过期
func (a *Account) TokenExpired(safety time.Duration, now time.Time) bool {
	if a.AccessToken == "" {
		return true
	}
	return now.Add(safety).UnixMilli() >= a.AccessTokenExpiresAt
}

// CooldownRemaining 距离限流解除的剩余时间；无限期冷却返回 -1
func (a *Account) CooldownRemaining(now time.Time) time.Duration {
	if !a.IsRateLimited {
		return 0
	}
	if a.RateLimitResetAt == nil {
		return -1
	}
	remain := time.Duration(*a.RateLimitResetAt-now.UnixMilli()) * time.Millisecond
	if remain < 0 {
		return 0
	}
	return remain
}

// Eligible select_next 视角下是否可用；过期冷却视为已恢复
func (a *Account) Eligible(now time.Time) bool {
	if a.IsInvalid {
		return false
	}
	if !a.IsRateLimited {
		return true
	}
	return a.RateLimitResetAt != nil && now.UnixMilli() > *a.RateLimitResetAt
}

// AccountStatus 单账号状态快照（脱敏）
type AccountStatus struct {
	Email            string `json:"email"`
	Source           string `json:"source"`
	ProjectID        string `json:"project_id,omitempty"`
	HasRefreshToken  bool   `json:"has_refresh_token"`
	TokenExpiresAt   int64  `json:"token_expires_at"`
	IsRateLimited    bool   `json:"is_rate_limited"`
	RateLimitResetAt *int64 `json:"rate_limit_reset_at"`
	IsInvalid        bool   `json:"is_invalid"`
	InvalidReason    string `json:"invalid_reason,omitempty"`
	AddedAt          int64  `json:"added_at"`
	LastUsedAt       int64  `json:"last_used_at"`
}

// PoolStatus 账号池整体快照
type PoolStatus struct {
	Total       int             `json:"total"`
	Available   int             `json:"available"`
	RateLimited int             `json:"rate_limited"`
	Invalid     int             `json:"invalid"`
	Summary     string          `json:"summary"`
	Accounts    []AccountStatus `json:"accounts"`
}

func (a *Account) status(now time.Time) AccountStatus {
	st := AccountStatus{
		Email:            a.Email,
		Source:           a.Source,
		ProjectID:        a.ProjectID,
		HasRefreshToken:  a.RefreshToken != "",
		TokenExpiresAt:   a.AccessTokenExpiresAt,
		IsRateLimited:    a.IsRateLimited && !a.Eligible(now),
		IsInvalid:        a.IsInvalid,
		InvalidReason:    a.InvalidReason,
		AddedAt:          a.AddedAt,
		LastUsedAt:       a.LastUsedAt,
	}
	if st.IsRateLimited && a.RateLimitResetAt != nil {
		v := *a.RateLimitResetAt
		st.RateLimitResetAt = &v
	}
	return st
}

package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
)

// refreshAheadWindow 提前刷新窗口：过期前 10 分钟内的 token 主动刷新
const refreshAheadWindow = 10 * time.Minute

// TokenRefresher 定时巡检账号池，提前刷新临期 token，
// 避免请求路径上同步等待刷新 RPC。
type TokenRefresher struct {
	pool   *AccountPool
	tokens *TokenProvider
	cron   *cron.Cron
}

func NewTokenRefresher(pool *AccountPool, tokens *TokenProvider) *TokenRefresher {
	return &TokenRefresher{
		pool:   pool,
		tokens: tokens,
		cron:   cron.New(),
	}
}

// Start 每 5 分钟巡检一次
func (r *TokenRefresher) Start() error {
	if _, err := r.cron.AddFunc("*/5 * * * *", r.sweep); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop 停止巡检并等待在途任务结束
func (r *TokenRefresher) Stop() {
	ctx := r.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		logger.L().Warn("token_refresher_stop_timeout")
	}
}

func (r *TokenRefresher) sweep() {
	now := time.Now()
	for _, account := range r.pool.List() {
		if account.IsInvalid || account.RefreshToken == "" {
			continue
		}
		if !account.TokenExpired(refreshAheadWindow, now) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := r.tokens.Refresh(ctx, account)
		cancel()
		if err != nil {
			logger.L().Warn("proactive_refresh_failed",
				zap.String("email", account.Email),
				zap.Error(err))
		}
	}
}

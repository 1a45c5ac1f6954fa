package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
)

// AccountsFileVersion accounts.json 的 schema 版本
const AccountsFileVersion = "1.0"

// AccountsFile 持久化文件结构；导入导出复用同一形状
type AccountsFile struct {
	Version    string     `json:"version"`
	Accounts   []*Account `json:"accounts"`
	ExportedAt string     `json:"exportedAt,omitempty"`
}

// AccountStore 账号的磁盘持久化。
// 单写者串行落盘：保存期间触发的保存会合并，最终磁盘状态等于最新内存状态。
type AccountStore struct {
	path string

	mu      sync.Mutex
	pending bool
	writing bool
	latest  []byte // 待写入的最新快照
	done    chan struct{}
}

// NewAccountStore 创建指向 path 的存储；不触盘
func NewAccountStore(path string) *AccountStore {
	return &AccountStore{path: path}
}

// Load 读取 accounts.json；文件不存在返回空列表
func (s *AccountStore) Load() ([]*Account, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var file AccountsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	for _, acc := range file.Accounts {
		acc.Normalize()
	}
	return file.Accounts, nil
}

// Save 异步保存快照。保存在单写者 goroutine 中串行执行，
// 写盘期间的再次 Save 只更新待写快照（合并）。
func (s *AccountStore) Save(accounts []*Account) {
	data, err := json.MarshalIndent(AccountsFile{
		Version:  AccountsFileVersion,
		Accounts: accounts,
	}, "", "  ")
	if err != nil {
		logger.L().Error("accounts_marshal_failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.latest = data
	s.pending = true
	if s.writing {
		s.mu.Unlock()
		return
	}
	s.writing = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.writeLoop()
}

func (s *AccountStore) writeLoop() {
	for {
		s.mu.Lock()
		if !s.pending {
			s.writing = false
			close(s.done)
			s.mu.Unlock()
			return
		}
		data := s.latest
		s.pending = false
		s.mu.Unlock()

		if err := s.writeAtomic(data); err != nil {
			logger.L().Error("accounts_save_failed", zap.String("path", s.path), zap.Error(err))
		}
	}
}

// writeAtomic 临时文件 + rename，避免读到撕裂文件
func (s *AccountStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Flush 等待在途写盘完成，最多 timeout
func (s *AccountStore) Flush(timeout time.Duration) {
	s.mu.Lock()
	if !s.writing {
		s.mu.Unlock()
		return
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.L().Warn("accounts_flush_timeout", zap.Duration("timeout", timeout))
	}
}

// Export 导出当前账号列表（带 exportedAt）
func Export(accounts []*Account) ([]byte, error) {
	return json.MarshalIndent(AccountsFile{
		Version:    AccountsFileVersion,
		Accounts:   accounts,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
}

// ParseImport 解析导入数据；兼容裸账号数组
func ParseImport(data []byte) ([]*Account, error) {
	var file AccountsFile
	if err := json.Unmarshal(data, &file); err == nil && len(file.Accounts) > 0 {
		for _, acc := range file.Accounts {
			acc.Normalize()
		}
		return file.Accounts, nil
	}

	var bare []*Account
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("parse import payload: %w", err)
	}
	for _, acc := range bare {
		acc.Normalize()
	}
	return bare, nil
}

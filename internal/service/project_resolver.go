package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/antigravity"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
)

// ProjectResolver 解析账号的 Google Cloud project。
// 优先账号缓存；否则 loadCodeAssist 发现，必要时 onboardUser 自动开通；
// 都失败且账号无 project 时回退到配置的默认 project。
type ProjectResolver struct {
	pool             *AccountPool
	httpClient       *http.Client
	defaultProjectID string
	group            singleflight.Group
}

func NewProjectResolver(pool *AccountPool, defaultProjectID string) *ProjectResolver {
	return &ProjectResolver{
		pool:             pool,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		defaultProjectID: defaultProjectID,
	}
}

// GetProject 返回账号的 project id；发现结果回写池并落盘
func (r *ProjectResolver) GetProject(ctx context.Context, account *Account, accessToken string) (string, error) {
	if account.ProjectID != "" {
		return account.ProjectID, nil
	}

	v, err, _ := r.group.Do(account.Email, func() (interface{}, error) {
		fresh, err := r.pool.Get(account.Email)
		if err == nil && fresh.ProjectID != "" {
			return fresh.ProjectID, nil
		}

		projectID, err := r.discover(ctx, accessToken)
		if err != nil || projectID == "" {
			if r.defaultProjectID != "" {
				logger.L().Warn("project_discovery_fallback",
					zap.String("email", account.Email),
					zap.String("default", r.defaultProjectID),
					zap.Error(err))
				return r.defaultProjectID, nil
			}
			if err == nil {
				err = fmt.Errorf("no project available for account %s", account.Email)
			}
			return "", err
		}

		r.pool.UpdateProjectID(account.Email, projectID)
		logger.L().Info("project_discovered",
			zap.String("email", account.Email),
			zap.String("project_id", projectID))
		return projectID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// discover loadCodeAssist → 有 project 直接用；没有则按默认 tier onboardUser
func (r *ProjectResolver) discover(ctx context.Context, accessToken string) (string, error) {
	var lastErr error
	for _, baseURL := range antigravity.BaseURLs {
		projectID, tierID, err := r.loadCodeAssist(ctx, baseURL, accessToken)
		if err != nil {
			lastErr = err
			continue
		}
		if projectID != "" {
			return projectID, nil
		}
		if tierID == "" {
			tierID = "free-tier"
		}
		return r.onboardUser(ctx, baseURL, accessToken, tierID)
	}
	return "", lastErr
}

func (r *ProjectResolver) loadCodeAssist(ctx context.Context, baseURL, accessToken string) (projectID, tierID string, err error) {
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	req, err := antigravity.NewAPIRequestWithURL(ctx, baseURL, "loadCodeAssist", accessToken, body)
	if err != nil {
		return "", "", err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("loadCodeAssist: status %d", resp.StatusCode)
	}

	var data struct {
		CloudAICompanionProject json.RawMessage `json:"cloudaicompanionProject"`
		AllowedTiers            []struct {
			ID        string `json:"id"`
			IsDefault bool   `json:"isDefault"`
		} `json:"allowedTiers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", "", err
	}

	projectID = parseProjectField(data.CloudAICompanionProject)
	for _, tier := range data.AllowedTiers {
		if tierID == "" || tier.IsDefault {
			tierID = tier.ID
		}
	}
	return projectID, tierID, nil
}

// parseProjectField project 字段可能是字符串或 {id} 对象
func parseProjectField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// onboardUser 轮询开通直到 done 或超次
func (r *ProjectResolver) onboardUser(ctx context.Context, baseURL, accessToken, tierID string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"tierId": tierID,
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := antigravity.NewAPIRequestWithURL(ctx, baseURL, "onboardUser", accessToken, body)
		if err != nil {
			return "", err
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return "", err
		}
		var data struct {
			Done     bool `json:"done"`
			Response struct {
				CloudAICompanionProject struct {
					ID string `json:"id"`
				} `json:"cloudaicompanionProject"`
			} `json:"response"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("onboardUser: status %d", resp.StatusCode)
		}
		if decodeErr != nil {
			return "", decodeErr
		}
		if data.Done && data.Response.CloudAICompanionProject.ID != "" {
			return data.Response.CloudAICompanionProject.ID, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return "", fmt.Errorf("onboardUser: not completed after %d attempts", maxAttempts)
}

// substituteProject 把 project 写入已构建的 v1internal 负载
func substituteProject(payload []byte, projectID string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	id, _ := json.Marshal(projectID)
	m["project"] = id
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

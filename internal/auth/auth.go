// Package auth 提供基于 API Key 的调用方认证。每个 Key 绑定一个
// 链上地址，账本的权限检查以该地址为准。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	loggerpkg "AgentLease-Chain/pkg/logger"
)

// Mode 表示认证模式。
type Mode string

const (
	// ModeDisabled 关闭认证，调用方身份由请求体声明。
	ModeDisabled Mode = "disabled"
	// ModeAPIKey 要求每个请求携带 Bearer API Key。
	ModeAPIKey Mode = "apikey"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Subject 表示通过认证的调用方。
type Subject struct {
	Name    string
	Address common.Address
}

// KeyConfig 将一个 API Key 绑定到调用方身份。
type KeyConfig struct {
	Key     string
	Name    string
	Address common.Address
}

// Service 校验请求身份并向上下文注入 Subject。
type Service struct {
	mode  Mode
	keys  map[string]*Subject
	audit *slog.Logger
}

// NewService 构造认证服务。keys 为空时退化为 disabled 模式。
func NewService(mode Mode, keys []KeyConfig) *Service {
	if mode != ModeAPIKey || len(keys) == 0 {
		return &Service{mode: ModeDisabled}
	}
	set := make(map[string]*Subject, len(keys))
	for _, cfg := range keys {
		key := strings.TrimSpace(cfg.Key)
		if key == "" {
			continue
		}
		set[key] = &Subject{Name: cfg.Name, Address: cfg.Address}
	}
	if len(set) == 0 {
		return &Service{mode: ModeDisabled}
	}
	return &Service{mode: ModeAPIKey, keys: set}
}

// Enabled 报告认证是否开启。
func (s *Service) Enabled() bool {
	return s != nil && s.mode == ModeAPIKey
}

// Authenticate 根据 Authorization 头解析调用方身份。
func (s *Service) Authenticate(header string) (*Subject, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return nil, ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(token, prefix) {
		return nil, ErrInvalidToken
	}
	subject, ok := s.keys[strings.TrimSpace(token[len(prefix):])]
	if !ok {
		return nil, ErrInvalidToken
	}
	return subject, nil
}

// subjectKey 是上下文中存储 Subject 的键类型。
type subjectKey struct{}

// WithSubject 将经过身份验证的主体信息存储到上下文中。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中提取经过身份验证的主体信息。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		return subject
	}
	return nil
}

// Middleware 返回一个 HTTP 中间件，完成认证并记录访问审计日志。
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			subject, err := s.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				http.Error(w, http.StatusText(status), status)
				s.auditLogger().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(aw, r.WithContext(ctx))
			s.auditLogger().Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", subject.Name,
				"address", subject.Address.Hex(),
			)
		})
	}
}

func (s *Service) auditLogger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

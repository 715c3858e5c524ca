package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"secure-storage/internal/httputil"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/jwt"
)

// gin context 中的鍵
const (
	TokenKey  = "jwt_token"
	UserIDKey = "user_id"
)

type tokenContextKey struct{}

// JWTMiddleware 以 jwt.Validator 驗證 Bearer token
type JWTMiddleware struct {
	validator *jwt.Validator
	enabled   bool
}

// NewJWTMiddleware 創建 JWT 中間件，enabled 為 false 時直接放行
func NewJWTMiddleware(validator *jwt.Validator, enabled bool) *JWTMiddleware {
	return &JWTMiddleware{
		validator: validator,
		enabled:   enabled && validator != nil,
	}
}

// TokenFromContext 取得已驗證的 token
func TokenFromContext(ctx context.Context) (*jwt.Token, bool) {
	tok, ok := ctx.Value(tokenContextKey{}).(*jwt.Token)
	return tok, ok
}

// bearerToken 解析 "Bearer <token>"，scheme 不分大小寫
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// errorCode 把驗證錯誤對應到 API 錯誤代碼
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return httputil.ErrorCodeTokenExpired, "token 已過期"
	case errors.Is(err, jwt.ErrTokenNotYetValid):
		return httputil.ErrorCodeTokenNotYetValid, "token 尚未生效"
	case errors.Is(err, jwt.ErrInvalidSignature):
		return httputil.ErrorCodeInvalidSignature, "token 簽章無效"
	case errors.Is(err, jwt.ErrUnsupportedAlgorithm):
		return httputil.ErrorCodeUnsupportedAlg, "不支援的簽章演算法"
	case errors.Is(err, jwt.ErrInvalidIssuer), errors.Is(err, jwt.ErrInvalidAudience):
		return httputil.ErrorCodeInvalidClaims, "token 發行者或受眾不符"
	default:
		return httputil.ErrorCodeInvalidAuthHeader, "無效的認證 token"
	}
}

// GinMiddleware Gin HTTP 中間件
// 使用方式：router.Use(jwtMiddleware.GinMiddleware())
func (m *JWTMiddleware) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httputil.Unauthorized(c, httputil.ErrorCodeMissingAuthHeader, "未提供認證 token")
			return
		}
		raw, ok := bearerToken(authHeader)
		if !ok {
			httputil.Unauthorized(c, httputil.ErrorCodeInvalidAuthFormat, "無效的認證格式")
			return
		}

		tok, err := m.validator.Validate(raw)
		if err != nil {
			code, message := errorCode(err)
			logger.Warning(c.Request.Context(), "token rejected",
				logger.WithOperation("middleware.jwt"),
				logger.WithDetails(map[string]interface{}{
					"request_id": httputil.RequestID(c),
					"path":       c.Request.URL.Path,
					"code":       code,
				}))
			httputil.Unauthorized(c, code, message)
			return
		}

		c.Set(TokenKey, tok)
		c.Set(UserIDKey, tok.Subject())
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), tokenContextKey{}, tok))
		c.Next()
	}
}

func (m *JWTMiddleware) authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "未提供認證信息")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Errorf(codes.Unauthenticated, "未提供認證 token")
	}
	raw, ok := bearerToken(values[0])
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "無效的認證格式")
	}
	tok, err := m.validator.Validate(raw)
	if err != nil {
		_, message := errorCode(err)
		return nil, status.Error(codes.Unauthenticated, message)
	}
	return context.WithValue(ctx, tokenContextKey{}, tok), nil
}

// GRPCUnaryInterceptor gRPC 一元 RPC 攔截器
// 使用方式：grpc.NewServer(grpc.UnaryInterceptor(jwtMiddleware.GRPCUnaryInterceptor()))
func (m *JWTMiddleware) GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !m.enabled {
			return handler(ctx, req)
		}
		ctx, err := m.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// authenticatedStream 以驗證後的 context 包裝 ServerStream
type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context { return s.ctx }

// GRPCStreamInterceptor gRPC 流式 RPC 攔截器
func (m *JWTMiddleware) GRPCStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if !m.enabled {
			return handler(srv, ss)
		}
		ctx, err := m.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

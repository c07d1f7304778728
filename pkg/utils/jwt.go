package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"showcase-sync-backend/pkg/models"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrWrongTokenType = errors.New("unexpected token type")
)

// JWTService JWT服务（HS256）
type JWTService struct {
	secretKey  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewJWTService 创建JWT服务
func NewJWTService(secretKey string) *JWTService {
	return &JWTService{
		secretKey:  []byte(secretKey),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
}

// WithTTL overrides token lifetimes; zero keeps the current value.
func (j *JWTService) WithTTL(access, refresh time.Duration) *JWTService {
	if access > 0 {
		j.accessTTL = access
	}
	if refresh > 0 {
		j.refreshTTL = refresh
	}
	return j
}

func (j *JWTService) sign(userID, email, tokenType string, ttl time.Duration) (string, int64, error) {
	now := j.now()
	expiry := now.Add(ttl)
	claims := &models.TokenClaims{
		UserID: userID,
		Email:  email,
		Type:   tokenType,
		Exp:    expiry.Unix(),
		Iat:    now.Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secretKey)
	if err != nil {
		return "", 0, fmt.Errorf("failed to generate %s token: %w", tokenType, err)
	}
	return token, expiry.Unix(), nil
}

// GenerateTokenPair 生成访问令牌和刷新令牌对，返回访问令牌的过期时间
func (j *JWTService) GenerateTokenPair(userID, email string) (accessToken, refreshToken string, expiresAt int64, err error) {
	accessToken, expiresAt, err = j.sign(userID, email, models.TokenTypeAccess, j.accessTTL)
	if err != nil {
		return "", "", 0, err
	}
	refreshToken, _, err = j.sign(userID, email, models.TokenTypeRefresh, j.refreshTTL)
	if err != nil {
		return "", "", 0, err
	}
	return accessToken, refreshToken, expiresAt, nil
}

// GenerateAccessToken 生成访问令牌
func (j *JWTService) GenerateAccessToken(userID, email string) (string, int64, error) {
	return j.sign(userID, email, models.TokenTypeAccess, j.accessTTL)
}

// ValidateToken 验证签名与过期时间
func (j *JWTService) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名方法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid || strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrInvalidToken
	}

	// 检查是否过期
	if claims.Expired(j.now()) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// ValidateAccessToken 只接受访问令牌
func (j *JWTService) ValidateAccessToken(tokenString string) (*models.TokenClaims, error) {
	return j.validateType(tokenString, models.TokenTypeAccess)
}

// ValidateRefreshToken 只接受刷新令牌
func (j *JWTService) ValidateRefreshToken(tokenString string) (*models.TokenClaims, error) {
	return j.validateType(tokenString, models.TokenTypeRefresh)
}

func (j *JWTService) validateType(tokenString, want string) (*models.TokenClaims, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrWrongTokenType, want, claims.Type)
	}
	return claims, nil
}

// RefreshAccessToken 使用刷新令牌生成新的访问令牌
func (j *JWTService) RefreshAccessToken(refreshToken string) (string, int64, error) {
	claims, err := j.ValidateRefreshToken(refreshToken)
	if err != nil {
		return "", 0, fmt.Errorf("invalid refresh token: %w", err)
	}
	return j.GenerateAccessToken(claims.UserID, claims.Email)
}

// ExtractUserFromToken 从访问令牌中提取用户信息
func (j *JWTService) ExtractUserFromToken(tokenString string) (*models.User, error) {
	claims, err := j.ValidateAccessToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &models.User{ID: claims.UserID, Email: claims.Email}, nil
}

// ParseUnverified 读取声明但不校验签名
// Clients hold tokens without the signing secret; the server still verifies every request.
func ParseUnverified(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

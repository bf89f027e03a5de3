package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"classcast/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
)

// Claims mirrors the tokens issued by the platform's auth service: the
// subject is the username, "rol" a comma separated authority list and
// "idUsuario" the numeric user id.
type Claims struct {
	Roles  string      `json:"rol"`
	UserID json.Number `json:"idUsuario"`
	jwt.RegisteredClaims
}

// AuthService validates platform tokens. It never issues tokens for real
// users; GenerateToken exists for tools and tests.
type AuthService struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewAuthService(secret, issuer string, ttl time.Duration) *AuthService {
	return &AuthService{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

func (s *AuthService) GenerateToken(username string, userID domain.UserID, roles ...domain.Role) (string, error) {
	rs := make([]string, len(roles))
	for i, r := range roles {
		rs[i] = string(r)
	}
	now := time.Now()
	claims := &Claims{
		Roles:  strings.Join(rs, ","),
		UserID: json.Number(userID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate turns a bearer token into the per-connection Authentication.
func (s *AuthService) Authenticate(tokenString string) (domain.Authentication, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return domain.Authentication{}, err
	}

	id, err := normalizeUserID(claims.UserID)
	if err != nil {
		return domain.Authentication{}, err
	}

	var authorities []string
	for _, r := range strings.Split(claims.Roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			authorities = append(authorities, r)
		}
	}

	return domain.Authentication{
		Principal:   claims.Subject,
		Authorities: authorities,
		UserID:      id,
	}, nil
}

func normalizeUserID(n json.Number) (domain.UserID, error) {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return "", fmt.Errorf("%w: no idUsuario claim", ErrInvalidToken)
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return domain.UserID(strconv.FormatInt(v, 10)), nil
	}
	return "", fmt.Errorf("%w: idUsuario %q is not an integer", ErrInvalidToken, s)
}

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenTTL is the lifetime of tokens minted for the rider app.
const AccessTokenTTL = 12 * time.Hour

// Service signs and checks the HS256 tokens that guard ride-mutating routes.
// There is a single rider per deployment, so a token only names who it was
// issued to.
type Service struct {
	secret []byte
}

type Claims struct {
	RiderID string `json:"rider_id"`
	jwt.RegisteredClaims
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

var (
	signTokenFn       = (*Service).signToken
	parseWithClaimsFn = jwt.ParseWithClaims
)

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// IssueToken mints an access token for riderID.
func (s *Service) IssueToken(riderID string, ttl time.Duration) (TokenResponse, error) {
	if riderID == "" {
		return TokenResponse{}, errors.New("rider id required")
	}
	if ttl <= 0 {
		ttl = AccessTokenTTL
	}
	access, err := signTokenFn(s, riderID, ttl)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
	}, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	return claims.RiderID, nil
}

func (s *Service) signToken(riderID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RiderID: riderID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	parsed, err := parseWithClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

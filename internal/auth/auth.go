package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/iurnickita/ecowallet/internal/auth/config"
	"github.com/iurnickita/ecowallet/internal/token"
)

type Auth interface {
	Middleware(h http.Handler) http.Handler
}

const (
	HeaderUserCodeKey = "X-Ecowallet-User"
	DefaultCookieName = "ecowalletUserToken"
)

var ErrNoToken = errors.New("no user token")

type auth struct {
	secretKey  string
	cookieName string
	zaplog     *zap.Logger
}

func NewAuth(cfg config.Config, zaplog *zap.Logger) Auth {
	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &auth{secretKey: cfg.SecretKey, cookieName: cookieName, zaplog: zaplog}
}

func (a *auth) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// получение id пользователя
		userCode, err := a.getUserCode(r)
		if err != nil {
			a.zaplog.Debug("unauthorized request",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем, заголовок клиента перетирается
		r.Header.Set(HeaderUserCodeKey, userCode)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	})
}

// getUserCode - токен из куки или из заголовка Authorization: Bearer
func (a *auth) getUserCode(r *http.Request) (string, error) {
	var tokenString string
	if tokenCookie, err := r.Cookie(a.cookieName); err == nil {
		tokenString = tokenCookie.Value
	} else if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		tokenString = strings.TrimSpace(bearer)
	}
	if tokenString == "" {
		return "", ErrNoToken
	}

	return token.GetUserCode(tokenString, a.secretKey)
}

// UserCode - пользователь, проставленный Middleware
func UserCode(r *http.Request) string {
	return r.Header.Get(HeaderUserCodeKey)
}

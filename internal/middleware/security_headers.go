package middleware

import "net/http"

// NewSecurityHeadersMiddleware は管理APIの応答にヘッダーを付与するミドルウェアを返す。
// 応答はJSONのみで、キュー内容やモデレーション設定を含むためキャッシュさせない。
// TLS終端の後ろ（X-Forwarded-Proto: https）ではHSTSも付与する。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Cache-Control", "no-store")
			h.Set("Referrer-Policy", "no-referrer")
			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				h.Set("Strict-Transport-Security", "max-age=31536000")
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

const (
	// MinCompressLength is the body size below which responses are sent as-is.
	MinCompressLength = 1024
	DefaultQuality    = brotli.DefaultCompression
)

// compressWriter buffers the body until it reaches minLength, then switches
// to brotli for the rest of the response.
type compressWriter struct {
	gin.ResponseWriter
	br         *brotli.Writer
	quality    int
	minLength  int
	buf        []byte
	compressed bool
}

func (w *compressWriter) Write(data []byte) (int, error) {
	if w.compressed {
		return w.br.Write(data)
	}

	w.buf = append(w.buf, data...)
	if len(w.buf) < w.minLength {
		return len(data), nil
	}

	w.compressed = true
	w.ResponseWriter.Header().Set("Content-Encoding", "br")
	w.ResponseWriter.Header().Del("Content-Length")
	w.br = brotli.NewWriterLevel(w.ResponseWriter, w.quality)
	if _, err := w.br.Write(w.buf); err != nil {
		return 0, err
	}
	w.buf = nil
	return len(data), nil
}

func (w *compressWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// finish writes a short body uncompressed or closes the brotli stream.
func (w *compressWriter) finish() error {
	if w.compressed {
		return w.br.Close()
	}
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.ResponseWriter.Write(w.buf)
	w.buf = nil
	return err
}

// Compress brotli-encodes JSON responses for clients that accept "br".
// WebSocket upgrades pass through untouched.
func Compress(quality int) gin.HandlerFunc {
	if quality < brotli.BestSpeed || quality > brotli.BestCompression {
		quality = brotli.DefaultCompression
	}

	return func(c *gin.Context) {
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")
		w := &compressWriter{
			ResponseWriter: c.Writer,
			quality:        quality,
			minLength:      MinCompressLength,
		}
		c.Writer = w
		defer func() {
			if err := w.finish(); err != nil {
				_ = c.Error(err)
			}
		}()

		c.Next()
	}
}

// NoStore marks responses as uncacheable. Session views change every second.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "br") {
			return true
		}
	}
	return false
}

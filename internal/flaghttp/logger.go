package flaghttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// restyLogger routes resty's own messages into slog.
type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(restyMessage(format, v))
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(restyMessage(format, v))
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(restyMessage(format, v))
}

func restyMessage(format string, v []interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, v...))
}

type ctxKey int

const (
	requestLoggerKey ctxKey = iota
	sentAtKey
)

// endpointName names the flag service endpoint behind rawURL. Flag GET
// URLs carry the encoded user, so only the name is logged.
func endpointName(rawURL string) string {
	switch {
	case strings.Contains(rawURL, flagRequestPath), strings.HasSuffix(rawURL, reportRequestPath):
		return "flags"
	case strings.HasSuffix(rawURL, eventRequestPath):
		return "events"
	case strings.HasSuffix(rawURL, diagnosticRequestPath):
		return "diagnostic"
	default:
		return "other"
	}
}

func newRequestLogMiddleware(logger *slog.Logger) resty.RequestMiddleware {
	return func(_ *resty.Client, req *resty.Request) error {
		attrs := []any{
			slog.String("endpoint", endpointName(req.URL)),
			slog.String("method", req.Method),
		}
		if id := req.Header.Get(payloadIDHeader); id != "" {
			attrs = append(attrs, slog.String("payload_id", id))
		}
		if req.Header.Get("If-None-Match") != "" {
			attrs = append(attrs, slog.Bool("conditional", true))
		}
		reqLogger := logger.WithGroup("flag_service").With(attrs...)
		reqLogger.Debug("sending request")

		ctx := context.WithValue(req.Context(), requestLoggerKey, reqLogger)
		req.SetContext(context.WithValue(ctx, sentAtKey, time.Now()))
		return nil
	}
}

func newResponseLogMiddleware(logger *slog.Logger) resty.ResponseMiddleware {
	return func(_ *resty.Client, resp *resty.Response) error {
		reqLogger, _ := resp.Request.Context().Value(requestLoggerKey).(*slog.Logger)
		sentAt, _ := resp.Request.Context().Value(sentAtKey).(time.Time)
		if reqLogger == nil {
			reqLogger = logger
		}
		reqLogger = reqLogger.With(
			slog.Int("status", resp.StatusCode()),
			slog.Duration("elapsed", time.Since(sentAt)),
			slog.Int64("bytes", resp.Size()),
		)
		switch code := resp.StatusCode(); {
		case code == http.StatusNotModified:
			reqLogger.Debug("flags not modified")
		case code == http.StatusUnauthorized, code == http.StatusForbidden:
			reqLogger.Warn("mobile key rejected")
		case resp.IsError():
			reqLogger.Warn("request failed")
		default:
			reqLogger.Debug("request succeeded")
		}
		return nil
	}
}

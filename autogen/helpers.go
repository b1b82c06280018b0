package autogen

import (
	"context"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const loggerContextKey contextKey = "logger"

type contextKey string

var structValidator = validator.New()

//nolint:gochecknoinits
func init() {
	structValidator.SetTagName("binding")
}

const (
	thinkTagOpen  = "<think>"
	thinkTagClose = "</think>"
)

// stripThinkTags removes a leading `<think>...</think>` block - some
// local models (notably reasoning models served through LMStudio) emit
// their chain of thought inline, which we never want to show or store.
func stripThinkTags(s string) string {
	start := strings.Index(s, thinkTagOpen)
	end := strings.Index(s, thinkTagClose)
	if start == -1 || end == -1 {
		return s
	}
	return strings.TrimSpace(s[end+len(thinkTagClose):])
}

// cleanMemoryText normalizes a message before it's stored as a memory:
// think tags, a leading "Response:" prefix, and leading dashes/newlines
// are dropped.
func cleanMemoryText(s string) string {
	s = stripThinkTags(s)
	if strings.HasPrefix(s, "Response:") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "Response:"))
	}
	s = strings.TrimLeft(s, "-\n")
	return strings.TrimSpace(s)
}

// splitMessage splits content into chunks that fit within Discord's
// message length limit, breaking on word boundaries. Words longer than
// the limit are hard-split.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}

	var chunks []string
	var current strings.Builder

	for _, word := range strings.Fields(content) {
		for len(word) > limit {
			// a single "word" over the limit can't break on a boundary
			if current.Len() > 0 {
				chunks = append(chunks, strings.TrimSpace(current.String()))
				current.Reset()
			}
			chunks = append(chunks, word[:limit])
			word = word[limit:]
		}
		if word == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(word)+1 > limit {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(word)
	}

	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}

	return chunks
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"[redacted]"` will cause "[redacted]" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")

		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		logTag := field.Tag.Get("log")
		if logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip struct values that are nil or empty
		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				skip = true
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				skip = true
			}
		case reflect.String:
			if fv.String() == "" {
				skip = true
			}
		}

		if skip {
			continue
		}

		fieldValue := fv.Interface()
		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fieldValue)},
		)
	}

	return slog.GroupValue(groupAttrs...)
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger stored in the given context, if any.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

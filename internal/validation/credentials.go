// Package validation содержит функции валидации входных данных.
package validation

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator"
	"github.com/mmeshcher/streamshop/internal/model"
)

// ErrInvalidLine возвращается для строки загрузки склада, которую не удалось разобрать.
var ErrInvalidLine = errors.New("invalid stock line")

var validate = validator.New()

// LineError указывает номер первой некорректной строки при пакетной загрузке.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// ParseCredentialLine разбирает строку загрузки склада.
// Для аккаунта формат email:password, для профиля email:password:profile[:pin].
func ParseCredentialLine(line string, kind model.UnitKind) (model.Credential, error) {
	line = strings.TrimSpace(line)

	var c model.Credential
	switch kind {
	case model.UnitKindAccount:
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return c, fmt.Errorf("%w: want email:password", ErrInvalidLine)
		}
		c.Email, c.Password = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	case model.UnitKindProfile:
		parts := strings.Split(line, ":")
		if len(parts) != 3 && len(parts) != 4 {
			return c, fmt.Errorf("%w: want email:password:profile[:pin]", ErrInvalidLine)
		}
		c.Email, c.Password = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		c.ProfileName = strings.TrimSpace(parts[2])
		if len(parts) == 4 {
			c.PIN = strings.TrimSpace(parts[3])
		}
		if c.ProfileName == "" {
			return c, fmt.Errorf("%w: profile name is empty", ErrInvalidLine)
		}
		if !isDigits(c.PIN) {
			return c, fmt.Errorf("%w: pin must be numeric", ErrInvalidLine)
		}
	default:
		return c, fmt.Errorf("%w: unknown unit kind %q", ErrInvalidLine, kind)
	}

	if err := validate.Var(c.Email, "required,email"); err != nil {
		return c, fmt.Errorf("%w: bad email %q", ErrInvalidLine, c.Email)
	}
	if c.Password == "" {
		return c, fmt.Errorf("%w: password is empty", ErrInvalidLine)
	}
	return c, nil
}

// ParseCredentialLines разбирает текст построчно. Пустые строки и строки с # пропускаются.
func ParseCredentialLines(text string, kind model.UnitKind) ([]model.Credential, error) {
	var res []model.Credential

	sc := bufio.NewScanner(strings.NewReader(text))
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := ParseCredentialLine(line, kind)
		if err != nil {
			return nil, &LineError{Line: n, Err: err}
		}
		res = append(res, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stock lines: %w", err)
	}
	return res, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

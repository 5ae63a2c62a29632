package notification

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Directory resolves user ids (therapists, subjects, bookers) to email
// addresses.
type Directory interface {
	Email(id string) (string, bool)
}

// StaticDirectory is a fixed id to address table.
type StaticDirectory map[string]string

func (d StaticDirectory) Email(id string) (string, bool) {
	addr, ok := d[id]
	return addr, ok
}

// ParseDirectory reads "id=address" pairs separated by commas.
func ParseDirectory(s string) (StaticDirectory, error) {
	v := validator.New()
	out := make(StaticDirectory)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, addr, ok := strings.Cut(pair, "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("recipient %q: want id=address", pair)
		}
		if err := v.Var(addr, "required,email"); err != nil {
			return nil, fmt.Errorf("recipient %q: invalid address %q", id, addr)
		}
		out[id] = addr
	}
	return out, nil
}

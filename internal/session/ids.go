package session

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newSessionID() string {
	id, err := generateTypeID("sess")
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("sess-%d", time.Now().UTC().UnixNano())
}

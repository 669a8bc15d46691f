// Package redis wraps the rueidis client for the cross-instance usage
// cache. Everything here is best effort: cache failures are logged and
// never propagate into the lookup path.
package redis

import (
	"fmt"

	"github.com/redis/rueidis"
)

// NewClient 建立 rueidis 连接。
func NewClient(host string, port int, password string, db int) (rueidis.Client, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", host, port)},
		Password:    password,
		SelectDB:    db,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: connect: %w", err)
	}
	return client, nil
}

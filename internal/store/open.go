package store

import (
	"context"
	"fmt"
	"strings"
)

// Open picks a backend from a STORE_BACKEND value: "memory", "dynamodb"
// (requires client) or "postgres" (requires dsn).
func Open(ctx context.Context, backend string, client DynamoClient, filesTable, usersTable, dsn string) (Store, error) {
	switch strings.TrimSpace(backend) {
	case "memory":
		return NewMemory(), nil
	case "dynamodb", "":
		if client == nil {
			return nil, fmt.Errorf("dynamodb store backend requires a client")
		}
		return NewDynamo(client, filesTable, usersTable), nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres store backend requires DATABASE_URL")
		}
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", backend)
	}
}

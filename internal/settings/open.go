package settings

import (
	"fmt"
	"strings"
)

// Open picks a backend from a SETTINGS_BACKEND value: "memory", "dynamodb"
// (requires client) or a SQL DSN.
func Open(backend string, client DynamoClient, tableName string) (Store, error) {
	switch b := strings.TrimSpace(backend); {
	case b == "memory":
		return NewMemory(), nil
	case b == "dynamodb" || b == "":
		if client == nil {
			return nil, fmt.Errorf("dynamodb settings backend requires a client")
		}
		return NewDynamo(client, tableName), nil
	default:
		return NewSQL(b)
	}
}

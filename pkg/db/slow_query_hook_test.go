package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatementLabel(t *testing.T) {
	cases := map[string]string{
		"SELECT id FROM messages WHERE id = $1":         "select messages",
		"INSERT INTO notification_log (id) VALUES ($1)": "insert notification_log",
		"UPDATE accounts SET active = false":            "update accounts",
		"  ":                                            "unknown",
		"BEGIN":                                         "begin",
	}
	for sql, want := range cases {
		assert.Equal(t, want, statementLabel(sql), sql)
	}
}

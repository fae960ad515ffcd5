package csql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SchemaValidation(t *testing.T) {
	db, err := Open("host=localhost sslmode=disable", "")
	require.NoError(t, err)
	assert.Equal(t, "public", db.Schema)
	db.Close()

	db, err = Open("host=localhost sslmode=disable", "sensors")
	require.NoError(t, err)
	assert.Equal(t, "sensors", db.Schema)
	db.Close()

	for _, schema := range []string{"Sensors", "1abc", "a;drop table x", "a-b"} {
		_, err = Open("host=localhost sslmode=disable", schema)
		assert.Error(t, err, schema)
	}
}

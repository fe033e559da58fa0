package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrationsTable(t *testing.T) {
	assert.Equal(t, "schema_migrations", MigrationsTable(""))
	assert.Equal(t, "eidos_escrow_schema_migrations", MigrationsTable("eidos-escrow"))
	assert.Equal(t, "escrow_v2_schema_migrations", MigrationsTable("Escrow.V2"))
}

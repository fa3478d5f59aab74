package postgres

import (
	"testing"

	"stancore/testutil"
)

func TestImportsAreDomainOrSQLStore(t *testing.T) {
	testutil.AssertImports(t, "stancore/internal/infra/persistence/postgres",
		testutil.ModuleImportExcept("stancore/pkg/domain", "stancore/internal/infra/persistence/sqlstore"),
		"postgres store depends on domain and sqlstore only")
}

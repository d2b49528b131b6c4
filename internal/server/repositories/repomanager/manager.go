package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/listenalong/internal/dbx"
	"github.com/dmitrijs2005/listenalong/internal/server/repositories/sessions"
	"github.com/dmitrijs2005/listenalong/internal/server/repositories/states"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Sessions(db dbx.DBTX) sessions.Repository
	States(db dbx.DBTX) states.Repository
}

package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-contentgen/internal/data/repos/ledger"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

type Repos struct {
	Ledger ledger.Repo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Ledger: ledger.NewRepo(db, log),
	}
}

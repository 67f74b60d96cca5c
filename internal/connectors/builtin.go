// Package connectors holds the compiled-in connector registration table.
package connectors

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/connectors/github"
	"github.com/JakeFAU/datasource-broker/internal/connectors/gitrepo"
	"github.com/JakeFAU/datasource-broker/internal/connectors/localfolder"
	"github.com/JakeFAU/datasource-broker/internal/connectors/webpage"
	"github.com/JakeFAU/datasource-broker/internal/registry"
)

// Builtins returns the connectors shipped with the binary.
func Builtins(logger *zap.Logger) []registry.Builtin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []registry.Builtin{
		{Name: gitrepo.Name, Factory: gitrepo.Factory(logger)},
		{Name: github.Name, Factory: github.Factory(logger)},
		{Name: localfolder.Name, Factory: localfolder.Factory(logger)},
		{Name: webpage.Name, Factory: webpage.Factory(logger)},
	}
}

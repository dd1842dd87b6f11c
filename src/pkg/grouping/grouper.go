package grouping

import (
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "grouping")

// GroupBindingsByPrincipal inverts role -> members bindings into principal -> roles.
// Bindings and members are visited in input order; a role is appended to a principal
// only the first time it is seen, so role order is first-occurrence order.
// Strings are used verbatim: no normalization, case folding or sorting.
func GroupBindingsByPrincipal(bindings []models.Binding) *models.PrincipalRoles {
	grouped := models.NewPrincipalRoles()

	for _, binding := range bindings {
		for _, principal := range binding.Members {
			grouped.Add(principal, binding.Role)
		}
	}

	logger.WithField("bindings", len(bindings)).WithField("principals", grouped.Len()).Debug("Grouped bindings by principal")
	return grouped
}

package services

import "verifyhub/internal/models"

// Allowed status transitions. Terminal states have no way out.
var VerificationTransitions = map[models.VerificationStatus]map[models.VerificationStatus]bool{
	models.VerificationCreated: {
		models.VerificationPending:   true,
		models.VerificationFailed:    true,
		models.VerificationCancelled: true,
	},
	models.VerificationPending: {
		models.VerificationCompleted: true,
		models.VerificationCancelled: true,
		models.VerificationExpired:   true,
		models.VerificationFailed:    true,
	},
	models.VerificationCompleted: {},
	models.VerificationCancelled: {},
	models.VerificationExpired:   {},
	models.VerificationFailed:    {},
}

var RentalTransitions = map[models.RentalStatus]map[models.RentalStatus]bool{
	models.RentalCreated:  {models.RentalActive: true, models.RentalFailed: true},
	models.RentalActive:   {models.RentalReleased: true, models.RentalExpired: true},
	models.RentalReleased: {},
	models.RentalExpired:  {},
	models.RentalFailed:   {},
}

func canTransition[S ~string](current, to S, table map[S]map[S]bool) bool {
	nexts, ok := table[current]
	if !ok {
		return false
	}
	return nexts[to]
}

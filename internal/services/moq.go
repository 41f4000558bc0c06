package services

import domain "github.com/hanko-field/storefront/internal/domain"

// MOQViolation describes a line whose quantity is below its minimum order quantity.
type MOQViolation struct {
	ID   string
	Need int
	Have int
}

// MOQResult reports whether every line satisfies its minimum order quantity.
type MOQResult struct {
	OK         bool
	Violations []MOQViolation
}

// ValidateMOQ checks each line against max(1, moq). It never mutates the lines.
func ValidateMOQ(lines []domain.CartLine) MOQResult {
	var violations []MOQViolation
	for _, line := range lines {
		need := line.EffectiveMOQ()
		if line.Quantity < need {
			violations = append(violations, MOQViolation{ID: line.ID, Need: need, Have: line.Quantity})
		}
	}
	return MOQResult{OK: len(violations) == 0, Violations: violations}
}

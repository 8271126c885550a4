package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. The queue core reads only the display
// snapshot (name, age, gender, chief complaint); everything else serves the
// registration desk.
type Patient struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Phone          string    `db:"phone" json:"phone"`
	Age            *int      `db:"age" json:"age,omitempty"`
	Gender         *string   `db:"gender" json:"gender,omitempty"`
	Address        *string   `db:"address" json:"address,omitempty"`
	ChiefComplaint *string   `db:"chief_complaint" json:"chief_complaint,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

var validGenders = map[string]bool{
	"male":   true,
	"female": true,
	"other":  true,
}

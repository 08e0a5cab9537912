package statemachine

// Identity checklist fields the operator confirms before validation.
const (
	FieldName  = "name"
	FieldPhone = "phone"
	FieldEmail = "email"
)

// IdentityChecklist gates the identity confirm action.
type IdentityChecklist struct {
	Name  bool `json:"name"`
	Phone bool `json:"phone"`
	Email bool `json:"email"`
}

// Set toggles one field; unknown fields are ignored.
func (c *IdentityChecklist) Set(field string, checked bool) {
	switch field {
	case FieldName:
		c.Name = checked
	case FieldPhone:
		c.Phone = checked
	case FieldEmail:
		c.Email = checked
	}
}

// CanConfirm is true only while all three fields are checked.
func (c IdentityChecklist) CanConfirm() bool {
	return c.Name && c.Phone && c.Email
}

// VerifiedFields lists the checked fields in fixed order.
func (c IdentityChecklist) VerifiedFields() []string {
	fields := make([]string, 0, 3)
	if c.Name {
		fields = append(fields, FieldName)
	}
	if c.Phone {
		fields = append(fields, FieldPhone)
	}
	if c.Email {
		fields = append(fields, FieldEmail)
	}
	return fields
}

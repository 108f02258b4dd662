// Пакет d2l — HTTP-клиент к D2L Brightspace Users API (Valence).
// models.go — модели данных D2L.
//
// Поля, которые D2L назначает сам (OrgId, UniqueIdentifier, DisplayName),
// при чтении игнорируются.
package d2l

import "github.com/bigkaa/dirsync/internal/domain/model"

// Activation — флаг активности пользователя.
type Activation struct {
	IsActive bool `json:"IsActive"`
}

// UserData — пользователь в ответе GET /users/?userName=.
type UserData struct {
	FirstName     string     `json:"FirstName"`
	MiddleName    string     `json:"MiddleName"`
	LastName      string     `json:"LastName"`
	UserName      string     `json:"UserName"`
	OrgDefinedID  *string    `json:"OrgDefinedId"`
	ExternalEmail *string    `json:"ExternalEmail"`
	UserID        int64      `json:"UserId"`
	Activation    Activation `json:"Activation"`
}

// Record возвращает доменную запись пользователя.
// null в MiddleName декодируется как "".
func (u *UserData) Record() model.UserRecord {
	return model.UserRecord{
		FirstName:     u.FirstName,
		MiddleName:    u.MiddleName,
		LastName:      u.LastName,
		UserName:      u.UserName,
		OrgDefinedID:  u.OrgDefinedID,
		ExternalEmail: u.ExternalEmail,
	}
}

// userCreateRequest — тело POST /users/.
type userCreateRequest struct {
	FirstName         string  `json:"FirstName"`
	MiddleName        string  `json:"MiddleName"`
	LastName          string  `json:"LastName"`
	UserName          string  `json:"UserName"`
	OrgDefinedID      *string `json:"OrgDefinedId"`
	ExternalEmail     *string `json:"ExternalEmail"`
	RoleID            string  `json:"RoleId"`
	IsActive          bool    `json:"IsActive"`
	SendCreationEmail bool    `json:"SendCreationEmail"`
}

// userUpdateRequest — тело PUT /users/{userId}.
type userUpdateRequest struct {
	FirstName     string     `json:"FirstName"`
	MiddleName    string     `json:"MiddleName"`
	LastName      string     `json:"LastName"`
	UserName      string     `json:"UserName"`
	OrgDefinedID  *string    `json:"OrgDefinedId"`
	ExternalEmail *string    `json:"ExternalEmail"`
	Activation    Activation `json:"Activation"`
}

func newCreateRequest(roleCode string, u model.UserRecord) userCreateRequest {
	return userCreateRequest{
		FirstName:         u.FirstName,
		MiddleName:        u.MiddleName,
		LastName:          u.LastName,
		UserName:          u.UserName,
		OrgDefinedID:      u.OrgDefinedID,
		ExternalEmail:     u.ExternalEmail,
		RoleID:            roleCode,
		IsActive:          true,
		SendCreationEmail: false,
	}
}

func newUpdateRequest(u model.UserRecord) userUpdateRequest {
	return userUpdateRequest{
		FirstName:     u.FirstName,
		MiddleName:    u.MiddleName,
		LastName:      u.LastName,
		UserName:      u.UserName,
		OrgDefinedID:  u.OrgDefinedID,
		ExternalEmail: u.ExternalEmail,
		Activation:    Activation{IsActive: true},
	}
}

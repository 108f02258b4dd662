// Пакет model — доменные модели dirsync.
package model

import (
	"strings"
)

// UserRecord — пользователь в том виде, в котором он хранится в D2L.
// Значение неизменяемо: сравнение только через Equal.
// MiddleName — обязательная строка (может быть пустой, но не null),
// OrgDefinedID и ExternalEmail — nullable.
type UserRecord struct {
	// FirstName — имя (или предпочитаемое имя, если оно задано в источнике)
	FirstName string
	// MiddleName — отчество; "" если не задано
	MiddleName string
	// LastName — фамилия
	LastName string
	// UserName — логин в D2L, ключ поиска пользователя
	UserName string
	// OrgDefinedID — внешний идентификатор организации (A-номер); nil — null
	OrgDefinedID *string
	// ExternalEmail — внешний адрес электронной почты; nil — null
	ExternalEmail *string
}

// Equal сравнивает все поля записи. null и "" считаются разными значениями.
func (u UserRecord) Equal(other UserRecord) bool {
	return u.FirstName == other.FirstName &&
		u.MiddleName == other.MiddleName &&
		u.LastName == other.LastName &&
		u.UserName == other.UserName &&
		equalOptional(u.OrgDefinedID, other.OrgDefinedID) &&
		equalOptional(u.ExternalEmail, other.ExternalEmail)
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// StringPtr возвращает указатель на копию s.
func StringPtr(s string) *string {
	return &s
}

// Role — роль пользователя в D2L. Закрытое перечисление + RoleUnknown.
type Role int

const (
	// RoleUnknown — роль не распознана (результат ParseRole для неизвестной строки)
	RoleUnknown Role = iota
	// RoleFaculty — преподаватель
	RoleFaculty
	// RoleStaff — сотрудник
	RoleStaff
	// RoleStudent — студент
	RoleStudent
)

// roleCodes — коды ролей D2L (RoleId).
var roleCodes = map[Role]string{
	RoleFaculty: "109",
	RoleStaff:   "118",
	RoleStudent: "110",
}

// ParseRole разбирает роль из строки источника. Функция тотальна:
// неизвестная строка даёт RoleUnknown, решение о фатальности — за вызывающим.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "faculty":
		return RoleFaculty
	case "staff":
		return RoleStaff
	case "student":
		return RoleStudent
	default:
		return RoleUnknown
	}
}

// Code возвращает код роли D2L и false для RoleUnknown.
func (r Role) Code() (string, bool) {
	code, ok := roleCodes[r]
	return code, ok
}

// Known сообщает, является ли роль одной из трёх допустимых.
func (r Role) Known() bool {
	_, ok := roleCodes[r]
	return ok
}

func (r Role) String() string {
	switch r {
	case RoleFaculty:
		return "Faculty"
	case RoleStaff:
		return "Staff"
	case RoleStudent:
		return "Student"
	default:
		return "Unknown"
	}
}

// SourceRecord — запись, полученная из системы-источника по entity id.
type SourceRecord struct {
	Role Role
	User UserRecord
}

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bigkaa/dirsync/internal/config"
	"github.com/bigkaa/dirsync/internal/domain/model"
)

// mode — режим запуска, определяется набором переданных флагов.
type mode int

const (
	// modeJournal — непрерывная синхронизация по журналу (флаги не заданы)
	modeJournal mode = iota
	// modeSingle — upsert одной записи из флагов
	modeSingle
	// modeIDs — синхронизация списка entity id
	modeIDs
)

func (m mode) String() string {
	switch m {
	case modeSingle:
		return "single"
	case modeIDs:
		return "ids"
	default:
		return "journal"
	}
}

// options — разобранные флаги командной строки.
type options struct {
	mode   mode
	role   model.Role
	record model.UserRecord
	ids    []int64
}

// errHelp — запрошена справка.
var errHelp = errors.New("справка")

// recordFlags — флаги режима одной записи.
var recordFlags = []string{"role", "username", "first-name", "last-name", "middle-name", "org-id", "email"}

// parseFlags разбирает аргументы командной строки и выбирает режим.
func parseFlags(args []string) (*options, error) {
	var (
		role, userName, firstName, lastName, middleName, orgID, email string
		idList                                                        string
	)

	fs := pflag.NewFlagSet("dirsync", pflag.ContinueOnError)
	fs.StringVar(&role, "role", "", "роль пользователя: faculty, staff, student")
	fs.StringVar(&userName, "username", "", "логин пользователя в D2L")
	fs.StringVar(&firstName, "first-name", "", "имя")
	fs.StringVar(&lastName, "last-name", "", "фамилия")
	fs.StringVar(&middleName, "middle-name", "", "отчество (по умолчанию пустое)")
	fs.StringVar(&orgID, "org-id", "", "OrgDefinedId (без флага — null)")
	fs.StringVar(&email, "email", "", "ExternalEmail (без флага — null)")
	fs.StringVar(&idList, "ids", "", "список entity id через запятую")
	fs.BoolP("help", "h", false, "показать справку")
	fs.SetOutput(discard{})

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errHelp
		}
		return nil, err
	}
	if help, _ := fs.GetBool("help"); help {
		return nil, errHelp
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("лишний аргумент: %s", rest[0])
	}

	single := false
	for _, name := range recordFlags {
		if fs.Changed(name) {
			single = true
			break
		}
	}

	switch {
	case single && fs.Changed("ids"):
		return nil, errors.New("флаги записи и --ids взаимоисключающие")

	case single:
		var missing []string
		for _, req := range []struct{ name, val string }{
			{"--role", role}, {"--username", userName}, {"--first-name", firstName}, {"--last-name", lastName},
		} {
			if strings.TrimSpace(req.val) == "" {
				missing = append(missing, req.name)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("для режима одной записи обязательны флаги: %s", strings.Join(missing, ", "))
		}
		r := model.ParseRole(role)
		if !r.Known() {
			return nil, fmt.Errorf("неизвестная роль %q, допустимые: faculty, staff, student", role)
		}
		rec := model.UserRecord{
			FirstName:  firstName,
			MiddleName: middleName,
			LastName:   lastName,
			UserName:   userName,
		}
		if fs.Changed("org-id") {
			rec.OrgDefinedID = model.StringPtr(orgID)
		}
		if fs.Changed("email") {
			rec.ExternalEmail = model.StringPtr(email)
		}
		return &options{mode: modeSingle, role: r, record: rec}, nil

	case fs.Changed("ids"):
		ids, err := config.ParseIDList(idList)
		if err != nil {
			return nil, fmt.Errorf("--ids: %w", err)
		}
		if len(ids) == 0 {
			return nil, errors.New("--ids: список пуст")
		}
		return &options{mode: modeIDs, ids: ids}, nil

	default:
		return &options{mode: modeJournal}, nil
	}
}

// usage — справка по запуску.
const usage = `dirsync — синхронизация пользователей системы-источника с D2L.

Использование:
  dirsync                                   непрерывная синхронизация по журналу
  dirsync --ids 1,2,3                       синхронизация указанных entity id
  dirsync --role R --username U --first-name F --last-name L
          [--middle-name M] [--org-id O] [--email E]
                                            upsert одной записи

Параметры подключения задаются переменными окружения DS_*.
`

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

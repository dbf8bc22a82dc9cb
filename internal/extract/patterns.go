package extract

import (
	"regexp"
	"strings"

	"github.com/oicur0t/sqlaudit/pkg/models"
)

// Field names an optional value pulled out of a message
type Field string

const (
	FieldUserName     Field = "user_name"
	FieldClientIP     Field = "client_ip"
	FieldDatabaseName Field = "database_name"
)

// Profile selects the message layout a rule applies to
type Profile string

const (
	ProfileSQLServer       Profile = "sqlserver"
	ProfileWindowsSecurity Profile = "windows_security"
)

// Rule is one extraction pattern. Group 1 of Pattern holds the value.
// Lower Priority runs first; the first accepted match wins.
type Rule struct {
	Profile  Profile
	Field    Field
	Priority int
	Pattern  *regexp.Regexp
}

// DefaultRules holds the English and Chinese label variants of SQL Server
// and Windows Security messages.
var DefaultRules = []Rule{
	{ProfileSQLServer, FieldUserName, 10, regexp.MustCompile(`Login name: '([^']+)'`)},
	{ProfileSQLServer, FieldUserName, 20, regexp.MustCompile(`用户名: '([^']+)'`)},
	{ProfileSQLServer, FieldUserName, 30, regexp.MustCompile(`User '([^']+)'`)},
	{ProfileSQLServer, FieldUserName, 40, regexp.MustCompile(`用户 '([^']+)'`)},
	{ProfileSQLServer, FieldUserName, 50, regexp.MustCompile(`(?i)for user '([^']+)'`)},

	{ProfileSQLServer, FieldClientIP, 10, regexp.MustCompile(`\[CLIENT: ([^\]]+)\]`)},
	{ProfileSQLServer, FieldClientIP, 20, regexp.MustCompile(`\[客户端: ([^\]]+)\]`)},
	{ProfileSQLServer, FieldClientIP, 30, regexp.MustCompile(`\b((?:[0-9]{1,3}\.){3}[0-9]{1,3})\b`)},

	{ProfileSQLServer, FieldDatabaseName, 10, regexp.MustCompile(`Database: '([^']+)'`)},
	{ProfileSQLServer, FieldDatabaseName, 20, regexp.MustCompile(`数据库: '([^']+)'`)},
	{ProfileSQLServer, FieldDatabaseName, 30, regexp.MustCompile(`database '([^']+)'`)},

	{ProfileWindowsSecurity, FieldUserName, 10, regexp.MustCompile(`Account Name:\s*([^\r\n\t]+)`)},
	{ProfileWindowsSecurity, FieldUserName, 20, regexp.MustCompile(`帐户名:\s*([^\r\n\t]+)`)},
	{ProfileWindowsSecurity, FieldUserName, 30, regexp.MustCompile(`账户名称:\s*([^\r\n\t]+)`)},

	{ProfileWindowsSecurity, FieldClientIP, 10, regexp.MustCompile(`Source Network Address:\s*([^\r\n\t]+)`)},
	{ProfileWindowsSecurity, FieldClientIP, 20, regexp.MustCompile(`源网络地址:\s*([^\r\n\t]+)`)},
}

// Classifications maps event codes to log types
var Classifications = map[int64]models.LogType{
	18453: models.LogTypeSQLLoginSuccess,
	18454: models.LogTypeSQLLoginSuccessVerified,
	18456: models.LogTypeSQLLoginFailure,
	4624:  models.LogTypeWindowsLoginSuccess,
	4625:  models.LogTypeWindowsLoginFailure,
}

// profileFor picks the message layout from the event code
func profileFor(code int64) Profile {
	switch code & 0xFFFF {
	case 4624, 4625:
		return ProfileWindowsSecurity
	default:
		return ProfileSQLServer
	}
}

// emptyValue reports placeholder values that mean "not present"
func emptyValue(v string) bool {
	switch strings.TrimSpace(v) {
	case "", "-":
		return true
	}
	return false
}

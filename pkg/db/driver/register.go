package driver

import "github.com/Sendhub/sh-util/pkg/settings"

// Default driver registrations. "sa" is accepted as shorthand for
// "sqlalchemy" in SH_UTIL_DB_DRIVER.
func init() {
	r := DefaultRegistry()
	r.Register(settings.DriverDjango, NewDjangoDriver)
	r.Register(settings.DriverSQLAlchemy, NewSQLAlchemyDriver)
	r.Register(settings.DriverSQLAlchemyAlias, NewSQLAlchemyDriver)
}

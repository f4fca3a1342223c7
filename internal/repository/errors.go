package repository

import (
	"errors"

	"github.com/lib/pq"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate key")

// uniqueViolation はPostgreSQLの一意制約違反コード。
const uniqueViolation = "23505"

// mapPQError は一意制約違反をErrDuplicateに変換する。
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return errors.Join(ErrDuplicate, err)
	}
	return err
}

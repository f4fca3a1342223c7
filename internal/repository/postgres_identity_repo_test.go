package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hitoshi/keystone/internal/model"
)

var identityCols = []string{
	"guid", "display_name", "email", "credits", "profile_image", "role_mask",
	"default_provider", "profile_edited", "soft_deleted_at", "rotation_key_hash",
	"rotation_issued_at", "rotation_expires_at", "created_at", "updated_at",
}

var linkCols = []string{"identity_guid", "provider", "provider_identifier", "linked", "created_at", "updated_at"}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return db, mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func TestPostgresIdentityRepo_FindByGUID(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()
	repo := NewPostgresIdentityRepo(db)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM identities i WHERE i.guid").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(identityCols).AddRow(
			"u1", "alice", "a@example.com", int64(100), "", int64(0b101),
			"google", false, now, "hash", nil, nil, now, now,
		))
	mock.ExpectQuery("FROM identities i WHERE i.guid").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(identityCols))

	ident, err := repo.FindByGUID(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FindByGUID() error = %v", err)
	}
	if ident.RoleMask != 0b101 || ident.SoftDeletedAt == nil || !ident.SoftDeletedAt.Equal(now) {
		t.Errorf("identity = %+v", ident)
	}
	if ident.RotationIssuedAt != nil {
		t.Errorf("RotationIssuedAt = %v, want nil", ident.RotationIssuedAt)
	}

	ident, err = repo.FindByGUID(context.Background(), "missing")
	if err != nil || ident != nil {
		t.Errorf("FindByGUID(missing) = %v, %v, want nil, nil", ident, err)
	}
}

func TestPostgresIdentityRepo_FindLinkStages(t *testing.T) {
	now := time.Now()
	row := func() *sqlmock.Rows {
		return sqlmock.NewRows(append(append([]string{}, identityCols...), linkCols...)).AddRow(
			"u1", "alice", "", int64(0), "", int64(1), "google", false, nil, "", nil, nil, now, now,
			"u1", "google", "sub-1", true, now, now,
		)
	}
	tests := []struct {
		name  string
		cond  string
		fetch func(r *PostgresIdentityRepo) (*model.IdentityMatch, error)
	}{
		{"紐付け中", "l.linked AND i.soft_deleted_at IS NULL", func(r *PostgresIdentityRepo) (*model.IdentityMatch, error) {
			return r.FindActiveLink(context.Background(), "google", "sub-1")
		}},
		{"ソフトデリート済み", "i.soft_deleted_at IS NOT NULL", func(r *PostgresIdentityRepo) (*model.IdentityMatch, error) {
			return r.FindSoftDeletedLink(context.Background(), "google", "sub-1")
		}},
		{"状態を問わない", "AND TRUE", func(r *PostgresIdentityRepo) (*model.IdentityMatch, error) {
			return r.FindAnyLink(context.Background(), "google", "sub-1")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, done := newMock(t)
			defer done()
			mock.ExpectQuery(tt.cond).WithArgs("google", "sub-1").WillReturnRows(row())

			m, err := tt.fetch(NewPostgresIdentityRepo(db))
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if m.Identity.GUID != "u1" || m.Link.ProviderIdentifier != "sub-1" || !m.Link.Linked {
				t.Errorf("match = %+v / %+v", m.Identity, m.Link)
			}
		})
	}
}

func TestPostgresIdentityRepo_CreateWithLink(t *testing.T) {
	ident := &model.Identity{GUID: "u1", RoleMask: 1, DefaultProvider: "google"}
	link := &model.ProviderLink{IdentityGUID: "u1", Provider: "google", ProviderIdentifier: "sub-1", Linked: true}

	t.Run("両方を挿入してコミットする", func(t *testing.T) {
		db, mock, done := newMock(t)
		defer done()
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO identities").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO provider_links").WithArgs("u1", "google", "sub-1", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := NewPostgresIdentityRepo(db).CreateWithLink(context.Background(), ident, link); err != nil {
			t.Fatalf("CreateWithLink() error = %v", err)
		}
	})

	t.Run("紐付けの一意制約違反はロールバックしErrDuplicateを返す", func(t *testing.T) {
		db, mock, done := newMock(t)
		defer done()
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO identities").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO provider_links").WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		err := NewPostgresIdentityRepo(db).CreateWithLink(context.Background(), ident, link)
		if !errors.Is(err, ErrDuplicate) {
			t.Fatalf("error = %v, want ErrDuplicate", err)
		}
	})
}

func TestPostgresIdentityRepo_Relink(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()
	name := "alice"
	mock.ExpectBegin()
	mock.ExpectExec("SET soft_deleted_at = NULL").WithArgs("u1", name, nil, nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("ON CONFLICT \\(provider, provider_identifier\\)").WithArgs("u1", "discord", "d-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := NewPostgresIdentityRepo(db).Relink(context.Background(), "u1", "discord", "d-1", model.ProfileUpdate{DisplayName: &name})
	if err != nil {
		t.Fatalf("Relink() error = %v", err)
	}
}

func TestPostgresIdentityRepo_Unlink(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE provider_links SET linked = FALSE").WithArgs("u1", "google").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT count").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	remaining, err := NewPostgresIdentityRepo(db).Unlink(context.Background(), "u1", "google")
	if err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if remaining != 2 {
		t.Errorf("remaining = %d, want 2", remaining)
	}
}

func TestPostgresIdentityRepo_SoftDelete(t *testing.T) {
	at := time.Now()

	t.Run("Identityと紐付けを更新する", func(t *testing.T) {
		db, mock, done := newMock(t)
		defer done()
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE identities SET soft_deleted_at").WithArgs("u1", at).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE provider_links SET linked = FALSE").WithArgs("u1", at).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		if err := NewPostgresIdentityRepo(db).SoftDelete(context.Background(), "u1", at); err != nil {
			t.Fatalf("SoftDelete() error = %v", err)
		}
	})

	t.Run("存在しないIdentityはロールバックする", func(t *testing.T) {
		db, mock, done := newMock(t)
		defer done()
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE identities SET soft_deleted_at").WithArgs("nope", at).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		if err := NewPostgresIdentityRepo(db).SoftDelete(context.Background(), "nope", at); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestPostgresIdentityRepo_UpdateRoleMask(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()
	mock.ExpectExec("UPDATE identities SET role_mask").WithArgs("u1", int64(0b1001)).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewPostgresIdentityRepo(db).UpdateRoleMask(context.Background(), "u1", 0b1001); err != nil {
		t.Fatalf("UpdateRoleMask() error = %v", err)
	}
}

package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hitoshi/keystone/internal/model"
)

func TestPostgresRoleRepo_ListRoles(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()
	mock.ExpectQuery("SELECT name, bit, display FROM roles").
		WillReturnRows(sqlmock.NewRows([]string{"name", "bit", "display"}).
			AddRow("registered", 0, "Registered").
			AddRow("admin", 5, "Admin"))

	roles, err := NewPostgresRoleRepo(db).ListRoles(context.Background())
	if err != nil {
		t.Fatalf("ListRoles() error = %v", err)
	}
	if len(roles) != 2 || roles[1].Name != "admin" || roles[1].Bit != 5 {
		t.Errorf("roles = %+v", roles)
	}
}

func TestPostgresRoleRepo_CreateRole_Duplicate(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()
	mock.ExpectExec("INSERT INTO roles").WithArgs("member", 1, "").WillReturnError(&pq.Error{Code: "23505"})

	err := NewPostgresRoleRepo(db).CreateRole(context.Background(), model.Role{Name: "member", Bit: 1})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("error = %v, want ErrDuplicate", err)
	}
}

func TestPostgresRoleRepo_UpdateRole(t *testing.T) {
	t.Run("ビット変更時はマスクを付け替える", func(t *testing.T) {
		db, mock, done := newMock(t)
		defer done()
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT bit FROM roles").WithArgs("editor").WillReturnRows(sqlmock.NewRows([]string{"bit"}).AddRow(2))
		mock.ExpectExec("UPDATE roles SET").WithArgs("editor", "editor", 4, "").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE identities SET role_mask").WithArgs(int64(0b100), int64(0b10000)).WillReturnResult(sqlmock.NewResult(0, 7))
		mock.ExpectCommit()

		if err := NewPostgresRoleRepo(db).UpdateRole(context.Background(), "editor", model.Role{Name: "editor", Bit: 4}); err != nil {
			t.Fatalf("UpdateRole() error = %v", err)
		}
	})

	t.Run("表示名だけの変更ではマスクに触れない", func(t *testing.T) {
		db, mock, done := newMock(t)
		defer done()
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT bit FROM roles").WithArgs("editor").WillReturnRows(sqlmock.NewRows([]string{"bit"}).AddRow(2))
		mock.ExpectExec("UPDATE roles SET").WithArgs("editor", "editor", 2, "Editor").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := NewPostgresRoleRepo(db).UpdateRole(context.Background(), "editor", model.Role{Name: "editor", Bit: 2, Display: "Editor"}); err != nil {
			t.Fatalf("UpdateRole() error = %v", err)
		}
	})

	t.Run("存在しないロール", func(t *testing.T) {
		db, mock, done := newMock(t)
		defer done()
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT bit FROM roles").WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"bit"}))
		mock.ExpectRollback()

		if err := NewPostgresRoleRepo(db).UpdateRole(context.Background(), "ghost", model.Role{Name: "ghost", Bit: 9}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestPostgresRoleRepo_DeleteRole(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT bit FROM roles").WithArgs("member").WillReturnRows(sqlmock.NewRows([]string{"bit"}).AddRow(1))
	mock.ExpectExec("DELETE FROM roles").WithArgs("member").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("role_mask & ~\\$1::bigint").WithArgs(int64(0b10)).WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectCommit()

	if err := NewPostgresRoleRepo(db).DeleteRole(context.Background(), "member"); err != nil {
		t.Fatalf("DeleteRole() error = %v", err)
	}
}

func TestPostgresPlatformLinkRepo_FindUserGUID(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()
	mock.ExpectQuery("FROM platform_links").WithArgs("discord", "42").
		WillReturnRows(sqlmock.NewRows([]string{"user_guid"}).AddRow("u1"))
	mock.ExpectQuery("FROM platform_links").WithArgs("discord", "7").
		WillReturnRows(sqlmock.NewRows([]string{"user_guid"}))

	repo := NewPostgresPlatformLinkRepo(db)
	if guid, err := repo.FindUserGUID(context.Background(), "discord", "42"); err != nil || guid != "u1" {
		t.Errorf("FindUserGUID(42) = %q, %v", guid, err)
	}
	if guid, err := repo.FindUserGUID(context.Background(), "discord", "7"); err != nil || guid != "" {
		t.Errorf("FindUserGUID(7) = %q, %v, want empty", guid, err)
	}
}

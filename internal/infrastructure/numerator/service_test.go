package numerator

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/suite"

	"verifactu/internal/infrastructure/storage/postgres"
)

type ServiceTestSuite struct {
	suite.Suite
	mock pgxmock.PgxPoolIface
	txm  *postgres.TxManager
	svc  *Service
	ctx  context.Context
}

func (s *ServiceTestSuite) SetupTest() {
	mock, err := pgxmock.NewPool()
	s.Require().NoError(err)
	s.mock = mock
	s.txm = postgres.NewTxManager(mock)
	s.svc = New(s.txm)
	s.ctx = context.Background()
}

func (s *ServiceTestSuite) TearDownTest() {
	s.mock.Close()
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) expectBegin() {
	s.mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	s.mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(pgxmock.NewResult("SET", 0))
}

func (s *ServiceTestSuite) TestReserve_InsideTransaction() {
	s.expectBegin()
	s.mock.ExpectQuery("INSERT INTO sys_series").
		WithArgs("A").
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(7)))
	s.mock.ExpectCommit()

	var seq int64
	err := s.txm.RunInTransaction(s.ctx, func(ctx context.Context) error {
		var err error
		seq, err = s.svc.Reserve(ctx, "A")
		return err
	})
	s.Require().NoError(err)
	s.Equal(int64(7), seq)
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *ServiceTestSuite) TestReserve_FailureRollsBack() {
	s.expectBegin()
	s.mock.ExpectQuery("INSERT INTO sys_series").
		WithArgs("A").
		WillReturnError(errors.New("connection reset"))
	s.mock.ExpectRollback()

	err := s.txm.RunInTransaction(s.ctx, func(ctx context.Context) error {
		_, err := s.svc.Reserve(ctx, "A")
		return err
	})
	s.ErrorContains(err, "reserve number in series A")
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *ServiceTestSuite) TestReserve_RequiresTransaction() {
	_, err := s.svc.Reserve(s.ctx, "A")
	s.ErrorIs(err, postgres.ErrNoTransaction)
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *ServiceTestSuite) TestPeek_UnknownSeriesStartsAtOne() {
	s.mock.ExpectQuery("SELECT next_number FROM sys_series WHERE code = \\$1").
		WithArgs("NEW").
		WillReturnError(pgx.ErrNoRows)

	next, err := s.svc.Peek(s.ctx, "NEW")
	s.Require().NoError(err)
	s.Equal(int64(1), next)
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *ServiceTestSuite) TestPeek_Existing() {
	s.mock.ExpectQuery("SELECT next_number FROM sys_series").
		WithArgs("A").
		WillReturnRows(pgxmock.NewRows([]string{"next_number"}).AddRow(int64(42)))

	next, err := s.svc.Peek(s.ctx, "A")
	s.Require().NoError(err)
	s.Equal(int64(42), next)
}

func (s *ServiceTestSuite) TestSetStart_NeverMovesBackwards() {
	s.mock.ExpectExec("ON CONFLICT \\(code\\) DO UPDATE SET next_number = EXCLUDED.next_number\\s+WHERE sys_series.next_number <= EXCLUDED.next_number").
		WithArgs("F-2025", int64(100)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s.Require().NoError(s.svc.SetStart(s.ctx, "F-2025", 100))
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *ServiceTestSuite) TestList() {
	s.mock.ExpectQuery("SELECT code, next_number FROM sys_series ORDER BY code").
		WillReturnRows(pgxmock.NewRows([]string{"code", "next_number"}).
			AddRow("A", int64(4)).
			AddRow("R", int64(2)))

	series, err := s.svc.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(series, 2)
	s.Equal("A", series[0].Code)
	s.Equal(int64(4), series[0].NextNumber)
	s.Equal("R", series[1].Code)
}

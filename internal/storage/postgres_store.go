package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/towline/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) GetActor(id string) (*models.Actor, error) {
	var a models.Actor
	var batchID, serving, receiving sql.NullString
	err := p.db.QueryRow(`SELECT id, name, role, channel, active, phone, push_token, lat, lon, last_seen, active_batch_id, serving_event_id, receiving_event_id FROM actors WHERE id=$1`, id).
		Scan(&a.ID, &a.Name, &a.Role, &a.Channel, &a.Active, &a.Phone, &a.PushToken, &a.Pos.Lat, &a.Pos.Lon, &a.LastSeen, &batchID, &serving, &receiving)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ActiveBatchID = batchID.String
	a.ServingEventID = serving.String
	a.ReceivingEventID = receiving.String
	return &a, nil
}

func (p *PostgresStore) SaveActor(a *models.Actor) error {
	_, err := p.db.Exec(`INSERT INTO actors(id, name, role, channel, active, phone, push_token, lat, lon, last_seen, active_batch_id, serving_event_id, receiving_event_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET name=$2, role=$3, channel=$4, active=$5, phone=$6, push_token=$7, lat=$8, lon=$9, last_seen=$10, active_batch_id=$11, serving_event_id=$12, receiving_event_id=$13`,
		a.ID, a.Name, a.Role, a.Channel, a.Active, a.Phone, a.PushToken, a.Pos.Lat, a.Pos.Lon, a.LastSeen,
		nullStr(a.ActiveBatchID), nullStr(a.ServingEventID), nullStr(a.ReceivingEventID))
	return err
}

func (p *PostgresStore) SaveBatch(b *models.Batch) error {
	_, err := p.db.Exec(`INSERT INTO batches(id, requestor_id, requestor_name, service, status, num_requests, num_rejections, time_sent, last_update)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET status=$5, num_requests=$6, num_rejections=$7, last_update=$9`,
		b.ID, b.RequestorID, b.RequestorName, b.Service, b.Status, b.NumRequests, b.NumRejections, b.TimeSent, b.LastUpdate)
	return err
}

func (p *PostgresStore) GetBatch(id string) (*models.Batch, error) {
	b := &models.Batch{}
	err := p.db.QueryRow(`SELECT id, requestor_id, requestor_name, service, status, num_requests, num_rejections, time_sent, last_update FROM batches WHERE id=$1`, id).
		Scan(&b.ID, &b.RequestorID, &b.RequestorName, &b.Service, &b.Status, &b.NumRequests, &b.NumRejections, &b.TimeSent, &b.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) ActiveBatches() ([]*models.Batch, error) {
	rows, err := p.db.Query(`SELECT id, requestor_id, requestor_name, service, status, num_requests, num_rejections, time_sent, last_update FROM batches WHERE status=$1`, models.BatchActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Batch
	for rows.Next() {
		b := &models.Batch{}
		if err := rows.Scan(&b.ID, &b.RequestorID, &b.RequestorName, &b.Service, &b.Status, &b.NumRequests, &b.NumRejections, &b.TimeSent, &b.LastUpdate); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveRequest(r *models.Request) error {
	_, err := p.db.Exec(`INSERT INTO requests(id, batch_id, service, requestor_id, requestor_name, requestor_location, requestee_id, requestee_name, requestee_location, status, time_sent, rejection_time, cancelled_time, event_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET status=$10, rejection_time=$12, cancelled_time=$13, event_id=$14`,
		r.ID, r.BatchID, r.Service, r.RequestorID, r.RequestorNm, r.RequestorLoc, r.RequesteeID, r.RequesteeNm, r.RequesteeLoc,
		r.Status, r.TimeSent, nullTime(r.RejectionTime), nullTime(r.CancelledTime), nullStr(r.EventID))
	return err
}

func (p *PostgresStore) GetRequest(id string) (*models.Request, error) {
	r := &models.Request{}
	var rej, can sql.NullTime
	var evID sql.NullString
	err := p.db.QueryRow(`SELECT id, batch_id, service, requestor_id, requestor_name, requestor_location, requestee_id, requestee_name, requestee_location, status, time_sent, rejection_time, cancelled_time, event_id FROM requests WHERE id=$1`, id).
		Scan(&r.ID, &r.BatchID, &r.Service, &r.RequestorID, &r.RequestorNm, &r.RequestorLoc, &r.RequesteeID, &r.RequesteeNm, &r.RequesteeLoc, &r.Status, &r.TimeSent, &rej, &can, &evID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RejectionTime = timePtr(rej)
	r.CancelledTime = timePtr(can)
	r.EventID = evID.String
	return r, nil
}

func (p *PostgresStore) RequestsInBatch(batchID string) ([]*models.Request, error) {
	rows, err := p.db.Query(`SELECT id, batch_id, service, requestor_id, requestor_name, requestor_location, requestee_id, requestee_name, requestee_location, status, time_sent, rejection_time, cancelled_time, event_id FROM requests WHERE batch_id=$1`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Request
	for rows.Next() {
		r := &models.Request{}
		var rej, can sql.NullTime
		var evID sql.NullString
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Service, &r.RequestorID, &r.RequestorNm, &r.RequestorLoc, &r.RequesteeID, &r.RequesteeNm, &r.RequesteeLoc, &r.Status, &r.TimeSent, &rej, &can, &evID); err != nil {
			return nil, err
		}
		r.RejectionTime = timePtr(rej)
		r.CancelledTime = timePtr(can)
		r.EventID = evID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveEvent(e *models.Event) error {
	_, err := p.db.Exec(`INSERT INTO events(id, requestor_id, requestee_id, batch_id, status, amount_paid, time_sent, accepted_time, completed_time, cancelled_time)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET status=$5, amount_paid=$6, accepted_time=$8, completed_time=$9, cancelled_time=$10`,
		e.ID, e.RequestorID, e.RequesteeID, e.BatchID, e.Status, e.AmountPaid, e.TimeSent,
		nullTime(e.AcceptedTime), nullTime(e.CompletedTime), nullTime(e.CancelledTime))
	return err
}

func (p *PostgresStore) GetEvent(id string) (*models.Event, error) {
	e := &models.Event{}
	var acc, com, can sql.NullTime
	err := p.db.QueryRow(`SELECT id, requestor_id, requestee_id, batch_id, status, amount_paid, time_sent, accepted_time, completed_time, cancelled_time FROM events WHERE id=$1`, id).
		Scan(&e.ID, &e.RequestorID, &e.RequesteeID, &e.BatchID, &e.Status, &e.AmountPaid, &e.TimeSent, &acc, &com, &can)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.AcceptedTime = timePtr(acc)
	e.CompletedTime = timePtr(com)
	e.CancelledTime = timePtr(can)
	return e, nil
}

func (p *PostgresStore) LiveEvents() ([]*models.Event, error) {
	rows, err := p.db.Query(`SELECT id, requestor_id, requestee_id, batch_id, status, amount_paid, time_sent, accepted_time, completed_time, cancelled_time FROM events WHERE status IN ($1,$2)`,
		models.EventWaitingForPayment, models.EventInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Event
	for rows.Next() {
		e := &models.Event{}
		var acc, com, can sql.NullTime
		if err := rows.Scan(&e.ID, &e.RequestorID, &e.RequesteeID, &e.BatchID, &e.Status, &e.AmountPaid, &e.TimeSent, &acc, &com, &can); err != nil {
			return nil, err
		}
		e.AcceptedTime = timePtr(acc)
		e.CompletedTime = timePtr(com)
		e.CancelledTime = timePtr(can)
		out = append(out, e)
	}
	return out, rows.Err()
}

// TowRadiusMeters reads the most recent live_configuration row, making
// PostgresStore usable as a liveconfig.Source.
func (p *PostgresStore) TowRadiusMeters() (float64, error) {
	var radius float64
	err := p.db.QueryRow(`SELECT tow_radius FROM live_configuration ORDER BY modification_time DESC LIMIT 1`).Scan(&radius)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return radius, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-node/lorawan-node-agent/internal/models"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// CreateUplinkFrame records a transmitted uplink
func (s *PostgresStore) CreateUplinkFrame(ctx context.Context, frame *models.UplinkFrame) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}

	if frame.SentAt.IsZero() {
		frame.SentAt = time.Now()
	}

	query := `
        INSERT INTO uplink_frames (
            id, dev_eui, dev_addr, f_cnt, f_port, data, confirmed, dr,
            flushed, sent_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		frame.ID, frame.DevEUI[:], frame.DevAddr[:], frame.FCnt, frame.FPort,
		frame.Data, frame.Confirmed, frame.DR, frame.Flushed, frame.SentAt,
	)

	return err
}

// ListUplinkFrames lists transmitted uplinks, newest first
func (s *PostgresStore) ListUplinkFrames(ctx context.Context, devEUI lorawan.EUI64, limit, offset int) ([]*models.UplinkFrame, int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM uplink_frames WHERE dev_eui = $1", devEUI[:],
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, dev_eui, dev_addr, f_cnt, f_port, data, confirmed, dr,
               flushed, sent_at
        FROM uplink_frames
        WHERE dev_eui = $1
        ORDER BY sent_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, devEUI[:], limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var frames []*models.UplinkFrame
	for rows.Next() {
		frame := &models.UplinkFrame{}
		var devEUIBytes, devAddrBytes []byte

		err := rows.Scan(
			&frame.ID, &devEUIBytes, &devAddrBytes, &frame.FCnt, &frame.FPort,
			&frame.Data, &frame.Confirmed, &frame.DR, &frame.Flushed,
			&frame.SentAt,
		)
		if err != nil {
			return nil, 0, err
		}

		copy(frame.DevEUI[:], devEUIBytes)
		copy(frame.DevAddr[:], devAddrBytes)
		frames = append(frames, frame)
	}

	return frames, count, rows.Err()
}

// CreateDownlinkFrame records a received downlink
func (s *PostgresStore) CreateDownlinkFrame(ctx context.Context, frame *models.DownlinkFrame) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}

	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = time.Now()
	}

	query := `
        INSERT INTO downlink_frames (
            id, dev_eui, dev_addr, f_port, data, ack, rssi, snr, dr,
            received_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		frame.ID, frame.DevEUI[:], frame.DevAddr[:], frame.FPort, frame.Data,
		frame.Ack, frame.RSSI, frame.SNR, frame.DR, frame.ReceivedAt,
	)

	return err
}

// ListDownlinkFrames lists received downlinks, newest first
func (s *PostgresStore) ListDownlinkFrames(ctx context.Context, devEUI lorawan.EUI64, limit, offset int) ([]*models.DownlinkFrame, int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM downlink_frames WHERE dev_eui = $1", devEUI[:],
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, dev_eui, dev_addr, f_port, data, ack, rssi, snr, dr,
               received_at
        FROM downlink_frames
        WHERE dev_eui = $1
        ORDER BY received_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, devEUI[:], limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var frames []*models.DownlinkFrame
	for rows.Next() {
		frame := &models.DownlinkFrame{}
		var devEUIBytes, devAddrBytes []byte

		err := rows.Scan(
			&frame.ID, &devEUIBytes, &devAddrBytes, &frame.FPort, &frame.Data,
			&frame.Ack, &frame.RSSI, &frame.SNR, &frame.DR, &frame.ReceivedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		copy(frame.DevEUI[:], devEUIBytes)
		copy(frame.DevAddr[:], devAddrBytes)
		frames = append(frames, frame)
	}

	return frames, count, rows.Err()
}

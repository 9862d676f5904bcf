package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/retry"
)

const DefaultTimeout = 10 * time.Second

var (
	positionParams = []string{"id", "device_id", "time", "valid", "altitude", "latitude", "longitude",
		"speed", "course", "power", "address", "extended_info"}
	latestParams = []string{"device_id", "id"}
)

type Config struct {
	Driver               string `validate:"required"`
	URL                  string `validate:"required"`
	User                 string
	Password             string
	RefreshDelay         time.Duration `validate:"min=0"`
	SelectDevice         string        `validate:"required"`
	InsertPosition       string        `validate:"required"`
	UpdateLatestPosition string        `validate:"required"`
	Timeout              time.Duration `validate:"min=0"`
	Partitions           int           `validate:"min=1"`
	MaxOpenConns         int           `validate:"min=0"`
}

// DataManager runs the configured device and position statements. Calls on
// one instance are serialized.
type DataManager struct {
	mu             sync.Mutex
	log            log.Logger
	db             *sql.DB
	timeout        time.Duration
	selectDevices  *NamedStatement
	insertPosition *NamedStatement
	updateLatest   *NamedStatement
}

func NewDataManager(db *sql.DB, cfg Config, style Placeholder) (*DataManager, error) {
	dm := &DataManager{db: db, timeout: cfg.Timeout}
	dm.log = log.DefaultLogger
	dm.log.Context = log.NewContext(nil).Str("module", "data-manager").Value()
	if dm.timeout <= 0 {
		dm.timeout = DefaultTimeout
	}
	for _, q := range []struct {
		key     string
		query   string
		allowed []string
		dst     **NamedStatement
	}{
		{"database.selectDevice", cfg.SelectDevice, nil, &dm.selectDevices},
		{"database.insertPosition", cfg.InsertPosition, positionParams, &dm.insertPosition},
		{"database.updateLatestPosition", cfg.UpdateLatestPosition, latestParams, &dm.updateLatest},
	} {
		if strings.TrimSpace(q.query) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingQuery, q.key)
		}
		st := ParseNamed(q.query, style)
		if err := st.Check(q.allowed); err != nil {
			return nil, fmt.Errorf("%s: %w", q.key, err)
		}
		*q.dst = st
	}
	return dm, nil
}

// Devices loads every provisioned device from the id and imei columns.
func (dm *DataManager) Devices(ctx context.Context) ([]model.Device, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dm.timeout)
	defer cancel()

	rows, err := dm.db.QueryContext(ctx, dm.selectDevices.SQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	idCol, imeiCol := -1, -1
	for i, c := range cols {
		switch strings.ToLower(c) {
		case "id":
			idCol = i
		case "imei", "uniqueid":
			imeiCol = i
		}
	}
	if idCol < 0 || imeiCol < 0 {
		return nil, fmt.Errorf("select device: need id and imei columns, got %v", cols)
	}

	var devices []model.Device
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		id, err := asInt64(values[idCol])
		if err != nil {
			return nil, fmt.Errorf("select device: id: %w", err)
		}
		devices = append(devices, model.Device{ID: id, UniqueID: asString(values[imeiCol])})
	}
	return devices, rows.Err()
}

// AddPosition inserts p and returns the generated key. A position without a
// device is not stored and yields an invalid key.
func (dm *DataManager) AddPosition(ctx context.Context, p *model.Position) (sql.NullInt64, error) {
	if p.DeviceID == 0 {
		return sql.NullInt64{}, nil
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.addPosition(ctx, p)
}

func (dm *DataManager) UpdateLatestPosition(ctx context.Context, deviceID, positionID int64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.updateLatestPosition(ctx, deviceID, positionID)
}

// Persist inserts p and then moves the device's latest pointer to it, each
// step retried per rc. Both steps run under the instance lock so positions
// of one device are stored and pointed at in arrival order.
func (dm *DataManager) Persist(ctx context.Context, p *model.Position, rc retry.Config) (sql.NullInt64, error) {
	if p.DeviceID == 0 {
		return sql.NullInt64{}, nil
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	id, err := retry.DoWithResult(ctx, rc, func() (sql.NullInt64, error) {
		v, err := dm.addPosition(ctx, p)
		return v, classify(err)
	})
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("add position: %w", err)
	}
	if !id.Valid {
		return id, nil
	}
	err = retry.Do(ctx, rc, func() error {
		return classify(dm.updateLatestPosition(ctx, p.DeviceID, id.Int64))
	})
	if err != nil {
		return id, fmt.Errorf("update latest position: %w", err)
	}
	return id, nil
}

func (dm *DataManager) addPosition(ctx context.Context, p *model.Position) (sql.NullInt64, error) {
	ctx, cancel := context.WithTimeout(ctx, dm.timeout)
	defer cancel()

	params, err := positionParamValues(p)
	if err != nil {
		return sql.NullInt64{}, retry.NonRetryable(err)
	}
	args, err := dm.insertPosition.Args(params)
	if err != nil {
		return sql.NullInt64{}, retry.NonRetryable(err)
	}

	if dm.insertPosition.Returning {
		var id sql.NullInt64
		err := dm.db.QueryRowContext(ctx, dm.insertPosition.SQL, args...).Scan(&id)
		if err == sql.ErrNoRows {
			return sql.NullInt64{}, nil
		}
		return id, err
	}

	res, err := dm.db.ExecContext(ctx, dm.insertPosition.SQL, args...)
	if err != nil {
		return sql.NullInt64{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		dm.log.Debug().Err(err).Msg("driver returned no generated key")
		return sql.NullInt64{}, nil
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

func (dm *DataManager) updateLatestPosition(ctx context.Context, deviceID, positionID int64) error {
	ctx, cancel := context.WithTimeout(ctx, dm.timeout)
	defer cancel()
	args, err := dm.updateLatest.Args(map[string]interface{}{"device_id": deviceID, "id": positionID})
	if err != nil {
		return retry.NonRetryable(err)
	}
	_, err = dm.db.ExecContext(ctx, dm.updateLatest.SQL, args...)
	return err
}

func positionParamValues(p *model.Position) (map[string]interface{}, error) {
	info, err := extendedInfo(p)
	if err != nil {
		return nil, err
	}
	var id interface{}
	if p.ID != 0 {
		id = p.ID
	}
	var power interface{}
	if v, ok := p.Attributes[model.KeyPower]; ok {
		power = v
	}
	return map[string]interface{}{
		"id":            id,
		"device_id":     p.DeviceID,
		"time":          p.Time.UTC(),
		"valid":         p.Valid,
		"altitude":      p.Altitude,
		"latitude":      p.Latitude,
		"longitude":     p.Longitude,
		"speed":         p.Speed,
		"course":        p.Course,
		"power":         power,
		"address":       nil,
		"extended_info": info,
	}, nil
}

// extendedInfo renders the attribute map, with alarms folded in as a comma
// separated "alarm" entry.
func extendedInfo(p *model.Position) (string, error) {
	m := make(map[string]interface{}, len(p.Attributes)+1)
	for k, v := range p.Attributes {
		// JSON would replace invalid UTF-8 with U+FFFD; keep such text exact as hex.
		if str, ok := v.(string); ok && !utf8.ValidString(str) {
			m[k+"_hex"] = hex.EncodeToString([]byte(str))
			continue
		}
		m[k] = v
	}
	if len(p.Alarms) > 0 {
		m["alarm"] = strings.Join(p.Alarms, ",")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("extended info: %w", err)
	}
	return string(b), nil
}

func asInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

package config

import (
	"bufio"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"printgate/internal/model"
	"printgate/internal/store"
)

// queuesConf holds <Queue name> blocks:
//
//	<Queue office>
//	Trusted yes
//	Allow 10.0.0.0/8
//	Allow @local
//	</Queue>
const queuesConf = "queues.conf"

// SyncQueuesFromConf upserts every queue declared in queues.conf. Queues
// only present in the store are left alone.
func SyncQueuesFromConf(ctx context.Context, confDir string, st *store.Store) (int, error) {
	if confDir == "" || st == nil {
		return 0, nil
	}
	queues, err := parseQueuesConf(filepath.Join(confDir, queuesConf))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	err = st.WithTx(ctx, false, func(tx *sql.Tx) error {
		for _, q := range queues {
			if _, err := st.UpsertQueue(ctx, tx, q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(queues), nil
}

func parseQueuesConf(path string) ([]model.Queue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.Queue
	var cur *model.Queue
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "<Queue ") {
			name := strings.Trim(strings.TrimSuffix(strings.TrimPrefix(line, "<Queue "), ">"), " /")
			cur = &model.Queue{URLPath: name, Reserved: model.ReservedKindForPath(name)}
			continue
		}
		if line == "</Queue>" {
			if cur != nil && cur.URLPath != "" {
				out = append(out, *cur)
			}
			cur = nil
			continue
		}
		if cur == nil || line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		value := strings.TrimSpace(parts[1])
		switch parts[0] {
		case "Trusted":
			if v, ok := parseBool(value); ok {
				cur.Trusted = v
			}
		case "Disabled":
			if v, ok := parseBool(value); ok {
				cur.Disabled = v
			}
		case "Deleted":
			if v, ok := parseBool(value); ok {
				cur.Deleted = v
			}
		case "Allow":
			for _, rule := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
				cur.IPAllowed = appendUnique(cur.IPAllowed, rule)
			}
		}
	}
	return out, sc.Err()
}

package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gofrs/flock"
	"github.com/okian/divscore/internal/adapters/storage"
	"github.com/okian/divscore/internal/config"
	. "github.com/smartystreets/goconvey/convey"
)

type backendFactory func(t *testing.T, opts ...storage.Option) storage.KV

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(_ *testing.T, opts ...storage.Option) storage.KV {
			return storage.NewMemory(opts...)
		},
		"file": func(t *testing.T, opts ...storage.Option) storage.KV {
			kv, err := storage.NewFile(filepath.Join(t.TempDir(), "storage.json"), "example.com", opts...)
			if err != nil {
				t.Fatalf("NewFile() failed: %v", err)
			}
			return kv
		},
		"sqlite": func(t *testing.T, opts ...storage.Option) storage.KV {
			kv, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "storage.db"), "example.com", opts...)
			if err != nil {
				t.Fatalf("OpenSQLite() failed: %v", err)
			}
			return kv
		},
	}
}

func TestKVContract(t *testing.T) {
	for name, open := range backends() {
		Convey("Given a "+name+" store", t, func() {
			ctx := context.Background()
			kv := open(t)
			defer func() { _ = kv.Close() }()

			Convey("When reading a missing key", func() {
				_, err := kv.Get(ctx, "diversificationScore")

				Convey("Then it fails with ErrNotFound", func() {
					So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
					So(storage.KindName(err), ShouldEqual, "not_found")
				})
			})

			Convey("When setting and reading a key", func() {
				So(kv.Set(ctx, "diversificationScore", "85"), ShouldBeNil)
				v, err := kv.Get(ctx, "diversificationScore")

				Convey("Then the value round-trips", func() {
					So(err, ShouldBeNil)
					So(v, ShouldEqual, "85")
				})
			})

			Convey("When overwriting a key", func() {
				So(kv.Set(ctx, "k", "one"), ShouldBeNil)
				So(kv.Set(ctx, "k", "two"), ShouldBeNil)
				v, err := kv.Get(ctx, "k")

				Convey("Then the latest value wins", func() {
					So(err, ShouldBeNil)
					So(v, ShouldEqual, "two")
				})
			})

			Convey("When removing keys", func() {
				So(kv.Set(ctx, "a", "1"), ShouldBeNil)
				So(kv.Remove(ctx, "a"), ShouldBeNil)

				Convey("Then the key is gone and removing again is not an error", func() {
					_, err := kv.Get(ctx, "a")
					So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
					So(kv.Remove(ctx, "a"), ShouldBeNil)
					So(kv.Remove(ctx, "never-set"), ShouldBeNil)
				})
			})

			Convey("When listing keys", func() {
				So(kv.Set(ctx, "b", "2"), ShouldBeNil)
				So(kv.Set(ctx, "a", "1"), ShouldBeNil)
				keys, err := kv.Keys(ctx)

				Convey("Then they come back sorted", func() {
					So(err, ShouldBeNil)
					So(keys, ShouldResemble, []string{"a", "b"})
				})
			})

			Convey("When a write exceeds the quota", func() {
				limited := open(t, storage.WithQuota(20))
				defer func() { _ = limited.Close() }()
				So(limited.Set(ctx, "score", "85"), ShouldBeNil)
				err := limited.Set(ctx, "allocations", `{"Stocks":60,"Bonds":25}`)

				Convey("Then it fails with ErrQuotaExceeded and keeps earlier data", func() {
					So(errors.Is(err, storage.ErrQuotaExceeded), ShouldBeTrue)
					So(storage.KindName(err), ShouldEqual, "quota_exceeded")
					v, gerr := limited.Get(ctx, "score")
					So(gerr, ShouldBeNil)
					So(v, ShouldEqual, "85")
				})

				Convey("And replacing a value counts only the new size", func() {
					So(limited.Set(ctx, "score", "90"), ShouldBeNil)
				})
			})

			Convey("When the store is disabled", func() {
				disabled := open(t, storage.WithDisabled())
				defer func() { _ = disabled.Close() }()

				Convey("Then every operation fails with ErrUnavailable", func() {
					_, err := disabled.Get(ctx, "k")
					So(errors.Is(err, storage.ErrUnavailable), ShouldBeTrue)
					So(errors.Is(disabled.Set(ctx, "k", "v"), storage.ErrUnavailable), ShouldBeTrue)
					So(errors.Is(disabled.Remove(ctx, "k"), storage.ErrUnavailable), ShouldBeTrue)
					_, err = disabled.Keys(ctx)
					So(errors.Is(err, storage.ErrUnavailable), ShouldBeTrue)
				})
			})

			Convey("When the store is closed", func() {
				So(kv.Close(), ShouldBeNil)
				err := kv.Set(ctx, "k", "v")

				Convey("Then writes fail with ErrUnavailable", func() {
					So(errors.Is(err, storage.ErrUnavailable), ShouldBeTrue)
				})
			})
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	Convey("Given a storage error with a cause", t, func() {
		kv := storage.NewMemory(storage.WithDisabled())
		err := kv.Set(context.Background(), "diversificationScore", "1")

		Convey("Then it names backend, op and key and unwraps to its kind", func() {
			var se *storage.Error
			So(errors.As(err, &se), ShouldBeTrue)
			So(se.Backend, ShouldEqual, "memory")
			So(se.Op, ShouldEqual, storage.OpSet)
			So(se.Key, ShouldEqual, "diversificationScore")
			So(err.Error(), ShouldEqual, `storage memory set "diversificationScore": storage unavailable`)
		})
	})

	Convey("Given errors of no known kind", t, func() {
		So(storage.KindName(nil), ShouldEqual, "none")
		So(storage.KindName(errors.New("boom")), ShouldEqual, "unknown")
	})
}

func TestMemorySetDisabled(t *testing.T) {
	Convey("Given a memory store that becomes unavailable", t, func() {
		ctx := context.Background()
		kv := storage.NewMemory()
		So(kv.Set(ctx, "k", "v"), ShouldBeNil)
		kv.SetDisabled(true)

		Convey("Then reads fail until it is enabled again", func() {
			_, err := kv.Get(ctx, "k")
			So(errors.Is(err, storage.ErrUnavailable), ShouldBeTrue)
			kv.SetDisabled(false)
			v, err := kv.Get(ctx, "k")
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "v")
		})
	})
}

func TestFileBackend(t *testing.T) {
	Convey("Given two file stores sharing one document", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "nested", "storage.json")
		a, err := storage.NewFile(path, "a.example")
		So(err, ShouldBeNil)
		b, err := storage.NewFile(path, "b.example")
		So(err, ShouldBeNil)

		Convey("When each origin writes the same key", func() {
			So(a.Set(ctx, "diversificationScore", "70"), ShouldBeNil)
			So(b.Set(ctx, "diversificationScore", "80"), ShouldBeNil)

			Convey("Then values stay isolated per origin", func() {
				va, _ := a.Get(ctx, "diversificationScore")
				vb, _ := b.Get(ctx, "diversificationScore")
				So(va, ShouldEqual, "70")
				So(vb, ShouldEqual, "80")
				So(a.Path(), ShouldEqual, path)
			})

			Convey("And a second handle on the same origin sees the writes", func() {
				again, err := storage.NewFile(path, "a.example")
				So(err, ShouldBeNil)
				v, err := again.Get(ctx, "diversificationScore")
				So(err, ShouldBeNil)
				So(v, ShouldEqual, "70")
			})
		})

		Convey("When two handles on one origin write concurrently", func() {
			first, err := storage.NewFile(path, "shared.example")
			So(err, ShouldBeNil)
			second, err := storage.NewFile(path, "shared.example")
			So(err, ShouldBeNil)

			const perHandle = 50
			errs := make(chan error, 2*perHandle)
			var wg sync.WaitGroup
			for h, kv := range []*storage.File{first, second} {
				for i := range perHandle {
					wg.Add(1)
					go func() {
						defer wg.Done()
						errs <- kv.Set(ctx, fmt.Sprintf("h%d-k%02d", h, i), "v")
					}()
				}
			}
			wg.Wait()
			close(errs)

			Convey("Then every write survives", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				keys, err := first.Keys(ctx)
				So(err, ShouldBeNil)
				So(keys, ShouldHaveLength, 2*perHandle)
			})
		})

		Convey("When two handles remove and set concurrently", func() {
			So(a.Set(ctx, "keep", "1"), ShouldBeNil)
			So(a.Set(ctx, "drop", "1"), ShouldBeNil)
			other, err := storage.NewFile(path, "a.example")
			So(err, ShouldBeNil)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = a.Remove(ctx, "drop")
			}()
			go func() {
				defer wg.Done()
				_ = other.Set(ctx, "added", "1")
			}()
			wg.Wait()

			Convey("Then neither change is lost", func() {
				keys, err := a.Keys(ctx)
				So(err, ShouldBeNil)
				So(keys, ShouldResemble, []string{"added", "keep"})
			})
		})

		Convey("When the context is already cancelled while another handle holds the lock", func() {
			So(a.Set(ctx, "k", "v"), ShouldBeNil)
			holder := flock.New(path + ".lock")
			So(holder.Lock(), ShouldBeNil)
			defer func() { _ = holder.Unlock() }()

			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			err := b.Set(cancelled, "k", "w")

			Convey("Then the write fails as unavailable", func() {
				So(errors.Is(err, storage.ErrUnavailable), ShouldBeTrue)
			})
		})

		Convey("When the document is corrupt", func() {
			So(os.MkdirAll(filepath.Dir(path), 0o755), ShouldBeNil)
			So(os.WriteFile(path, []byte("{not json"), 0o600), ShouldBeNil)
			_, err := a.Get(ctx, "diversificationScore")

			Convey("Then the store reports itself unavailable", func() {
				So(errors.Is(err, storage.ErrUnavailable), ShouldBeTrue)
			})
		})

		Convey("When the path is empty", func() {
			_, err := storage.NewFile("", "a.example")

			Convey("Then opening fails", func() {
				So(errors.Is(err, storage.ErrUnavailable), ShouldBeTrue)
			})
		})
	})
}

func TestSQLitePersistence(t *testing.T) {
	Convey("Given a SQLite store that is closed and reopened", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "storage.db")
		first, err := storage.OpenSQLite(ctx, path, "example.com")
		So(err, ShouldBeNil)
		So(first.Set(ctx, "diversificationScore", "77"), ShouldBeNil)
		So(first.Close(), ShouldBeNil)

		second, err := storage.OpenSQLite(ctx, path, "example.com")
		So(err, ShouldBeNil)
		defer func() { _ = second.Close() }()

		Convey("Then the value survives", func() {
			v, err := second.Get(ctx, "diversificationScore")
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "77")
		})

		Convey("And other origins do not see it", func() {
			other, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "other.db"), "other.example")
			So(err, ShouldBeNil)
			defer func() { _ = other.Close() }()
			_, err = other.Get(ctx, "diversificationScore")
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestOpen(t *testing.T) {
	Convey("Given configs for each backend", t, func() {
		ctx := context.Background()
		cfg := config.New()
		cfg.StorageQuotaBytes = 64

		Convey("When the backend is memory", func() {
			cfg.StorageBackend = config.BackendMemory
			kv, err := storage.Open(ctx, cfg)

			Convey("Then a memory store with the quota is returned", func() {
				So(err, ShouldBeNil)
				So(kv, ShouldHaveSameTypeAs, &storage.Memory{})
				err := kv.Set(ctx, "big", string(make([]byte, 100)))
				So(errors.Is(err, storage.ErrQuotaExceeded), ShouldBeTrue)
			})
		})

		Convey("When the backend is file", func() {
			cfg.StorageBackend = config.BackendFile
			cfg.StoragePath = filepath.Join(t.TempDir(), "storage.json")
			kv, err := storage.Open(ctx, cfg)

			Convey("Then a file store is returned", func() {
				So(err, ShouldBeNil)
				So(kv, ShouldHaveSameTypeAs, &storage.File{})
			})
		})

		Convey("When the backend is sqlite", func() {
			cfg.StorageBackend = config.BackendSQLite
			cfg.StoragePath = filepath.Join(t.TempDir(), "storage.db")
			kv, err := storage.Open(ctx, cfg)

			Convey("Then a SQLite store is returned", func() {
				So(err, ShouldBeNil)
				So(kv, ShouldHaveSameTypeAs, &storage.SQLite{})
				So(kv.Close(), ShouldBeNil)
			})
		})

		Convey("When the backend is unknown", func() {
			cfg.StorageBackend = "indexeddb"
			kv, err := storage.Open(ctx, cfg)

			Convey("Then opening fails", func() {
				So(kv, ShouldBeNil)
				So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
			})
		})
	})
}

package storage

// Package storage is the Action Store.
//
// It persists scheduled actions and their event history in SQLite and
// provides the version-guarded writes (Claim, Update, UpdateAndSpawn) the
// scheduler relies on to process each action at most once per due time.
// It applies no lifecycle policy of its own.

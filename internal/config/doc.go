// Package config owns the persisted policy document for the
// BlockAndFocus daemon.
//
// # Document structure
//
//	dns:
//	  listen_addr: 127.0.0.1        # UDP listener address
//	  listen_port: 5454             # 53 in production
//	  upstreams:                    # explicit recursive resolvers
//	    - 1.1.1.1:53
//	    - 8.8.8.8:53
//	blocking:
//	  enabled: true
//	  domains:                      # normalized: lowercase, no trailing dot
//	    - facebook.com
//	    - twitter.com
//	schedule:
//	  enabled: false
//	  rules:
//	    - name: work hours
//	      days: [mon, tue, wed, thu, fri]
//	      start_time: "09:00"
//	      end_time: "17:00"
//	quiz:
//	  num_questions: 3
//	  min_operand: 2
//	  max_operand: 99
//	  timeout_seconds: 60
//	  min_solve_seconds: 3
//
// # Lifecycle
//
// Open loads the document on startup, writing the defaults when no file
// exists. All later changes go through Store.Mutate: the mutation runs
// on a copy, the copy is validated and written atomically
// (write-to-temp + rename), and only then does the live snapshot swap.
// Readers call Store.Snapshot and never block writers.
//
// # Validation
//
//   - domains must be ASCII LDH hostnames (normalized before checking)
//   - schedule rules need at least one known day and start < end within
//     a single day
//   - quiz requires num_questions >= 1, min_operand <= max_operand, and
//     min_solve_seconds < timeout_seconds
//   - the listener binding and every upstream must be well-formed
package config

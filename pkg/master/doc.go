// Package master provides a reusable CI master that can be embedded into other Go applications.
//
// # Overview
//
// The conveyor master schedules pipeline builds onto a fleet of agents (or an
// in-process worker), tracks build state, and exposes a REST API for triggering
// builds, streaming events and deciding approval gates.
//
// # Basic Usage
//
// Create a master programmatically:
//
//	cfg := &master.Config{
//		Server: master.ServerConfig{
//			Port:         8080,
//			ReadTimeout:  30 * time.Second,
//			WriteTimeout: 30 * time.Second,
//		},
//		Auth: master.AuthConfig{
//			APIKeys: []master.APIKey{
//				{Name: "my-app", Key: "secret-key-here", Role: "admin"},
//			},
//		},
//		Pipelines: defs, // []pipeline.Def
//		Local: master.LocalConfig{
//			Enabled:   true,
//			MaxBuilds: 2,
//		},
//		Logging: master.LoggingConfig{
//			Level:  "info",
//			Format: "json",
//		},
//	}
//
//	m, err := master.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := m.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Using with Existing HTTP Server
//
// Integrate the master into an existing HTTP server:
//
//	m, err := master.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Mount the master under a specific path
//	http.Handle("/ci/", http.StripPrefix("/ci", m.Handler()))
//
//	// Add your own routes
//	http.HandleFunc("/custom", myHandler)
//
//	http.ListenAndServe(":8080", nil)
//
// # File-based Configuration
//
// Load configuration from YAML files:
//
//	m, err := master.NewFromConfig("configs/master.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := m.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Direct Service Access
//
// Access the service layer directly for programmatic control:
//
//	m, err := master.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	svc := m.Service()
//
//	// Trigger a build programmatically
//	build, err := svc.Trigger(ctx, "web", "manual", map[string]string{
//		"git_sha": "abc123",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Triggered build: %s\n", build.ID)
package master

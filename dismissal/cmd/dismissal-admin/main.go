// dismissal-admin is an operator tool for carline.
//
// Usage:
//
//	dismissal-admin hash-password
//	dismissal-admin --backend=badger --badger-dir=DIR create-school NAME TIMEZONE ADMIN_EMAIL
//	dismissal-admin --data-project=PROJECT set-subscription SCHOOL_ID STATUS
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"carline/dismissal/dblayer"
	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"

	"cloud.google.com/go/firestore"
	"github.com/golang/glog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var (
	dataProject = flag.String("data-project", "", "GCP project that contains the application state.")
	backend     = flag.String("backend", "firestore", "Document store backend: firestore or badger.")
	badgerDir   = flag.String("badger-dir", "./carline-data", "Data directory for the badger backend.")
	bcryptCost  = flag.Int("bcrypt-cost", bcrypt.DefaultCost, "Cost of generated password hashes.")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	ctx := context.Background()

	var err error
	switch flag.Arg(0) {
	case "hash-password":
		err = hashPassword()
	case "create-school":
		err = createSchool(ctx, flag.Args()[1:])
	case "set-subscription":
		err = setSubscription(ctx, flag.Args()[1:])
	default:
		err = fmt.Errorf("unknown command %q; want hash-password, create-school or set-subscription", flag.Arg(0))
	}
	if err != nil {
		glog.Errorf("Error: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func readPassword() ([]byte, error) {
	fmt.Print("Password: ")
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("while reading password: %w", err)
	}
	return pass, nil
}

func hashPassword() error {
	pass, err := readPassword()
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword(pass, *bcryptCost)
	if err != nil {
		return fmt.Errorf("while hashing password: %w", err)
	}

	fmt.Println(string(hash))
	return nil
}

func openStore(ctx context.Context) (docstore.Store, error) {
	switch *backend {
	case "firestore":
		fstore, err := firestore.NewClient(ctx, *dataProject)
		if err != nil {
			return nil, fmt.Errorf("while creating FireStore client: %w", err)
		}
		return docstore.NewFirestore(fstore), nil
	case "badger":
		store, err := docstore.OpenBadger(*badgerDir)
		if err != nil {
			return nil, fmt.Errorf("while opening badger store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown backend %q", *backend)
}

// createSchool signs up a school from the command line, for schools onboarded
// by hand.
func createSchool(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("create-school wants NAME TIMEZONE ADMIN_EMAIL, got %d arguments", len(args))
	}

	pass, err := readPassword()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword(pass, *bcryptCost)
	if err != nil {
		return fmt.Errorf("while hashing password: %w", err)
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	school, admin, err := dblayer.New(store).CreateSchool(ctx, &dblayer.NewSchool{
		Name:              args[0],
		Timezone:          args[1],
		AdminEmail:        args[2],
		AdminPasswordHash: string(hash),
	})
	if err != nil {
		return fmt.Errorf("while creating school: %w", err)
	}

	glog.Infof("Created school %s (%q) with admin %s (%s)", school.ID, school.Name, admin.ID, admin.Email)
	fmt.Println(school.ID)
	return nil
}

// setSubscription records a billing change made outside the application.  It
// acts as an admin of the school who holds no account.
func setSubscription(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("set-subscription wants SCHOOL_ID STATUS, got %d arguments", len(args))
	}
	schoolID, status := args[0], dbtypes.SubscriptionStatus(args[1])

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	operator := &dbtypes.User{
		ID:       "dismissal-admin",
		Role:     dbtypes.RoleAdmin,
		SchoolID: schoolID,
	}
	school, err := dblayer.New(store).SetSubscriptionStatus(ctx, operator, status)
	if err != nil {
		return fmt.Errorf("while setting subscription status: %w", err)
	}

	glog.Infof("School %s (%q) is now %s", school.ID, school.Name, school.SubscriptionStatus)
	return nil
}
